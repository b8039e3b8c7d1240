// Package pipeline runs the ordered transcript fallback chain.
package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/voxlay/transcriptd/internal/credentials"
	"github.com/voxlay/transcriptd/internal/proxy"
	"github.com/voxlay/transcriptd/internal/transcript"
)

// Request is the per-extraction context handed to every stage. Cookie and
// proxy material are resolved once by the orchestrator and propagated
// unchanged.
type Request struct {
	VideoID       string
	CorrelationID string
	Proxy         proxy.Config
	Creds         credentials.Credentials
	// Elevated marks the one retry-with-stronger-credentials an HTTP
	// stage gets after serving blocked/invalid content.
	Elevated bool
}

// Stage is one method in the fallback chain. Implementations return
// classified errors (transcript.StageError); they never panic across this
// boundary.
type Stage interface {
	Name() string
	Fetch(ctx context.Context, req Request) ([]transcript.Segment, error)
}

type correlationKey struct{}

// WithCorrelationID attaches the caller's request identifier to ctx so
// the orchestrator reuses it instead of minting its own. One id then
// links the response header, the error body, the attempt snapshot, and
// the logs.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// CorrelationIDFrom returns the id set by WithCorrelationID, or "".
func CorrelationIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}

// Error codes surfaced to the calling application.
const (
	CodeAuthFailed    = "PROXY_AUTH_FAILED"
	CodeMisconfigured = "PROXY_MISCONFIGURED"
	CodeUnreachable   = "PROXY_UNREACHABLE"
	CodeExtraction    = "EXTRACTION_FAILED"
)

// reasonSeparator joins per-stage failure reasons in the exhaustion error.
const reasonSeparator = " | "

// Failure is the terminal pipeline error: either a preflight rejection or
// total stage exhaustion. It carries every stage's distinct reason, never
// just the last one, and never a secret, token, or cookie value.
type Failure struct {
	Code          string
	CorrelationID string
	Reasons       []string
	Hint          string
}

func (f *Failure) Error() string {
	msg := strings.Join(f.Reasons, reasonSeparator)
	if f.Hint != "" {
		msg = fmt.Sprintf("%s (%s)", msg, f.Hint)
	}
	return fmt.Sprintf("%s: %s", f.Code, msg)
}
