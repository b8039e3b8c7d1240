package proxy

import (
	"context"
	"crypto/rand"
	"math/big"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/voxlay/transcriptd/internal/metrics"
)

// Result is a cached proxy-health probe outcome.
type Result struct {
	Healthy   bool
	Timestamp time.Time
	TTL       time.Duration
	Err       error
}

// ProbeFunc performs one health probe through the proxy. A nil return
// means healthy (204 from the probe target); *AuthError and
// *UnreachableError classify failures.
type ProbeFunc func(ctx context.Context) error

// PreflightConfig tunes the preflight cache.
type PreflightConfig struct {
	TTL          time.Duration
	JitterPct    float64 // ±fraction applied to TTL per cached entry
	ProbeTimeout time.Duration
	ProbesPerMin float64
}

// Preflight caches proxy-health probe results with a jittered TTL. The
// probe itself runs under a single-flight group so N concurrent callers
// behind an expired cache issue exactly one probe, and a rate limiter
// bounds probe volume even when callers churn the cache deliberately.
type Preflight struct {
	mu      sync.Mutex
	cached  *Result
	group   singleflight.Group
	limiter *rate.Limiter
	probe   ProbeFunc
	cfg     PreflightConfig
	logger  *zap.Logger
	now     func() time.Time
}

// NewPreflight builds a preflight cache around probe.
func NewPreflight(probe ProbeFunc, cfg PreflightConfig, logger *zap.Logger) *Preflight {
	if cfg.TTL <= 0 {
		cfg.TTL = 5 * time.Minute
	}
	if cfg.JitterPct <= 0 {
		cfg.JitterPct = 0.15
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	if cfg.ProbesPerMin <= 0 {
		cfg.ProbesPerMin = 10
	}
	return &Preflight{
		limiter: rate.NewLimiter(rate.Limit(cfg.ProbesPerMin/60), 1),
		probe:   probe,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
	}
}

// Check returns the cached health verdict, probing at most once across all
// concurrent callers when the cache is stale.
func (p *Preflight) Check(ctx context.Context) (bool, error) {
	if res, ok := p.Cached(); ok {
		return res.Healthy, res.Err
	}

	v, err, _ := p.group.Do("preflight", func() (any, error) {
		// Re-check under the group: a racing caller may have refreshed
		// the cache while this one waited its turn.
		if res, ok := p.Cached(); ok {
			return res, nil
		}
		return p.probeOnce(ctx), nil
	})
	if err != nil {
		return false, err
	}
	res := v.(Result)
	return res.Healthy, res.Err
}

// Cached returns the current cache entry without probing. The readiness
// endpoint reads only this; it must never block on a live probe.
func (p *Preflight) Cached() (Result, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cached == nil {
		return Result{}, false
	}
	if p.now().Sub(p.cached.Timestamp) > p.cached.TTL {
		return Result{}, false
	}
	return *p.cached, true
}

func (p *Preflight) probeOnce(ctx context.Context) Result {
	if !p.limiter.Allow() {
		// Over probe budget: serve the last verdict even if stale rather
		// than hammering the probe target.
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.cached != nil {
			return *p.cached
		}
		return Result{Healthy: false, Err: &UnreachableError{Err: context.DeadlineExceeded}}
	}

	probeCtx, cancel := context.WithTimeout(ctx, p.cfg.ProbeTimeout)
	defer cancel()

	err := p.probe(probeCtx)
	res := Result{
		Healthy:   err == nil,
		Timestamp: p.now(),
		TTL:       p.jitteredTTL(),
		Err:       err,
	}
	if err != nil {
		metrics.ObservePreflightProbe("failure")
		p.logger.Warn("proxy preflight probe failed", zap.Error(err))
	} else {
		metrics.ObservePreflightProbe("success")
	}

	p.mu.Lock()
	p.cached = &res
	p.mu.Unlock()
	return res
}

// jitteredTTL spreads cache expiry by ±JitterPct so concurrent processes
// do not all expire, and re-probe, on the same tick.
func (p *Preflight) jitteredTTL() time.Duration {
	base := float64(p.cfg.TTL)
	span := int64(base * p.cfg.JitterPct * 2)
	if span <= 0 {
		return p.cfg.TTL
	}
	n, err := rand.Int(rand.Reader, big.NewInt(span))
	if err != nil {
		return p.cfg.TTL
	}
	return time.Duration(base - base*p.cfg.JitterPct + float64(n.Int64()))
}

// HTTPProbe builds a ProbeFunc that issues a GET through the proxy at
// proxyURL against target and classifies the result. 204 is healthy;
// auth-class statuses map to AuthError, everything else to Unreachable.
func HTTPProbe(target string, proxyURL func() string) ProbeFunc {
	return func(ctx context.Context) error {
		transport, err := transportFor(proxyURL())
		if err != nil {
			return &UnreachableError{Err: err}
		}
		client := &http.Client{Transport: transport}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return &UnreachableError{Err: err}
		}
		resp, err := client.Do(req)
		if err != nil {
			return &UnreachableError{Err: err}
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusNoContent || resp.StatusCode == http.StatusOK:
			return nil
		case IsAuthStatus(resp.StatusCode):
			return &AuthError{Status: resp.StatusCode}
		default:
			return &UnreachableError{Err: &httpStatusError{status: resp.StatusCode}}
		}
	}
}

type httpStatusError struct{ status int }

func (e *httpStatusError) Error() string {
	return http.StatusText(e.status)
}
