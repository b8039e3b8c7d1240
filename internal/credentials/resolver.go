// Package credentials resolves cookie/auth material for extraction
// stages: per-user store first, then environment, then a shared file,
// then none.
package credentials

import (
	"context"
	"os"

	"go.uber.org/zap"
)

// Source tags where the resolved credentials came from.
type Source string

const (
	SourceUser Source = "user"
	SourceEnv  Source = "env"
	SourceFile Source = "file"
	SourceNone Source = "none"
)

// Credentials is the cookie/auth context handed unchanged to every stage
// that performs HTTP or browser navigation.
type Credentials struct {
	// CookiePath points at a Netscape-format cookie file, when present.
	CookiePath string
	// Headers carries extra request headers (e.g. Cookie, Authorization).
	Headers map[string]string
	Source  Source
}

// UserStore is the external per-user credential store boundary.
type UserStore interface {
	CookiePath(ctx context.Context, userID string) (string, error)
}

// Resolver yields credentials for a user.
type Resolver interface {
	Resolve(ctx context.Context, userID string) Credentials
}

// ChainResolver tries the user store, then an environment variable naming
// a cookie file, then a configured shared file path. Resolution failures
// at any link are logged and fall through; "no credentials" is a valid
// outcome, not an error.
type ChainResolver struct {
	store    UserStore
	envVar   string
	filePath string
	logger   *zap.Logger
}

// NewChainResolver builds the standard resolution chain. store may be nil.
func NewChainResolver(store UserStore, envVar, filePath string, logger *zap.Logger) *ChainResolver {
	if envVar == "" {
		envVar = "TRANSCRIPTD_COOKIES_FILE"
	}
	return &ChainResolver{store: store, envVar: envVar, filePath: filePath, logger: logger}
}

// Resolve walks the chain and returns the first usable credential source.
func (r *ChainResolver) Resolve(ctx context.Context, userID string) Credentials {
	if r.store != nil && userID != "" {
		path, err := r.store.CookiePath(ctx, userID)
		if err != nil {
			r.logger.Debug("user credential lookup failed", zap.String("user_id", userID), zap.Error(err))
		} else if fileUsable(path) {
			return Credentials{CookiePath: path, Source: SourceUser}
		}
	}

	if path := os.Getenv(r.envVar); fileUsable(path) {
		return Credentials{CookiePath: path, Source: SourceEnv}
	}

	if fileUsable(r.filePath) {
		return Credentials{CookiePath: r.filePath, Source: SourceFile}
	}

	return Credentials{Source: SourceNone}
}

func fileUsable(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && !info.IsDir() && info.Size() > 0
}
