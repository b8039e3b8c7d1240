package proxy

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/voxlay/transcriptd/internal/logging"
	"github.com/voxlay/transcriptd/internal/metrics"
)

// Config is the per-request proxy material handed to a stage. Both
// consumer shapes (URL map for HTTP clients, server/username/password for
// browser automation) derive from the same secret plus one session token.
type Config struct {
	Token    string
	HTTP     string
	HTTPS    string
	Server   string
	Username string
	Password string
}

// URLMap returns the {http, https} form consumed by generic HTTP clients.
func (c Config) URLMap() map[string]string {
	return map[string]string{"http": c.HTTP, "https": c.HTTPS}
}

// SecretFetcher pulls the raw secret bundle from the external secret
// store.
type SecretFetcher func(ctx context.Context) (map[string]any, error)

// Manager composes secret validation, session tokens, and preflight into
// "give me a proxy configuration for this request" and "mark this session
// bad". One Manager is shared process-wide.
type Manager struct {
	mu            sync.RWMutex
	secret        Secret
	misconfigured bool

	registry  *Registry
	preflight *Preflight
	fetch     SecretFetcher
	country   string
	logger    *zap.Logger
}

// NewManager validates the initial secret bundle and builds a manager. A
// malformed initial secret is fatal; unlike refresh, there is no
// known-good secret to fall back on yet.
func NewManager(ctx context.Context, fetch SecretFetcher, registry *Registry, logger *zap.Logger) (*Manager, error) {
	raw, err := fetch(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch proxy secret: %w", err)
	}
	secret, err := ValidateSecret(raw)
	if err != nil {
		return nil, err
	}
	logger.Info("proxy secret loaded", zap.String("secret", secret.String()))
	return &Manager{
		secret:   secret,
		registry: registry,
		fetch:    fetch,
		logger:   logger,
	}, nil
}

// SetPreflight attaches the preflight cache once the probe target is
// known. The probe needs a proxy URL from the manager, hence the
// two-phase wiring.
func (m *Manager) SetPreflight(p *Preflight) {
	m.preflight = p
}

// SetCountry overrides the secret's geo targeting for every generated
// session. Wiring-time only, like SetPreflight.
func (m *Manager) SetCountry(country string) {
	m.country = country
}

// Preflight checks cached proxy health, probing if the cache is stale.
func (m *Manager) Preflight(ctx context.Context) (bool, error) {
	if m.preflight == nil {
		return true, nil
	}
	return m.preflight.Check(ctx)
}

// PreflightCached exposes the cached verdict for the readiness endpoint.
func (m *Manager) PreflightCached() (Result, bool) {
	if m.preflight == nil {
		return Result{}, false
	}
	return m.preflight.Cached()
}

// ProxiesFor generates a fresh session token for requestKey and derives
// both consumer shapes. The password is percent-encoded only here; it is
// stored raw.
func (m *Manager) ProxiesFor(requestKey string) Config {
	token := m.registry.NewToken(requestKey)
	m.mu.RLock()
	secret := m.secret
	m.mu.RUnlock()

	username := fmt.Sprintf("%s-session-%s", secret.Username, token)
	country, geo := secret.Country, secret.GeoEnabled
	if m.country != "" {
		country, geo = m.country, true
	}
	if geo && country != "" {
		username = fmt.Sprintf("%s-country-%s", username, country)
	}
	proxyURL := fmt.Sprintf("http://%s:%s@%s:%d",
		escapeUserinfo(username), escapeUserinfo(secret.Password), secret.Host, secret.Port)

	return Config{
		Token:    token,
		HTTP:     proxyURL,
		HTTPS:    proxyURL,
		Server:   fmt.Sprintf("http://%s:%d", secret.Host, secret.Port),
		Username: username,
		Password: secret.Password,
	}
}

// ProbeURL returns a proxy URL with a dedicated preflight session, so
// probes never consume or burn request sessions.
func (m *Manager) ProbeURL() string {
	return m.ProxiesFor("preflight").HTTP
}

// RotateSession blacklists a token after an auth failure. Idempotent.
func (m *Manager) RotateSession(token string) {
	if token == "" {
		return
	}
	m.registry.Blacklist(token)
	metrics.ObserveSessionRotation()
	m.logger.Info("proxy session rotated", zap.String("token", logging.TokenTail(token)))
}

// Misconfigured reports whether the most recent refresh produced an
// invalid secret.
func (m *Manager) Misconfigured() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.misconfigured
}

// RunRefresh re-fetches the secret on interval until ctx finishes.
func (m *Manager) RunRefresh(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.refreshOnce(ctx); err != nil {
				m.logger.Warn("proxy secret refresh failed", zap.Error(err))
			}
		}
	}
}

// refreshOnce swaps in a freshly validated secret. If the refreshed
// bundle fails validation the manager keeps serving the last known-good
// secret and flags Misconfigured instead of failing live traffic.
func (m *Manager) refreshOnce(ctx context.Context) error {
	raw, err := m.fetch(ctx)
	if err != nil {
		return fmt.Errorf("fetch proxy secret: %w", err)
	}
	secret, err := ValidateSecret(raw)
	if err != nil {
		m.mu.Lock()
		m.misconfigured = true
		m.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrMisconfigured, err)
	}
	m.mu.Lock()
	m.secret = secret
	m.misconfigured = false
	m.mu.Unlock()
	m.logger.Info("proxy secret refreshed", zap.String("secret", secret.String()))
	return nil
}

// transportFor builds an http.Transport routed through proxyURL.
func transportFor(proxyURL string) (*http.Transport, error) {
	parsed, err := url.Parse(proxyURL)
	if err != nil {
		return nil, fmt.Errorf("parse proxy url: %w", err)
	}
	return &http.Transport{Proxy: http.ProxyURL(parsed)}, nil
}
