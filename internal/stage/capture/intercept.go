package capture

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

// responseCapture resolves a one-shot future with the raw body of the
// first response whose URL contains the watched fragment. It must be
// registered before any DOM interaction so the interesting request cannot
// race past it.
type responseCapture struct {
	fragment string
	logger   *zap.Logger

	mu        sync.Mutex
	requestID network.RequestID
	resolved  bool
	body      chan []byte
}

// newResponseCapture registers the interceptor on tabCtx and returns the
// capture handle.
func newResponseCapture(tabCtx context.Context, fragment string, logger *zap.Logger) *responseCapture {
	rc := &responseCapture{
		fragment: strings.ToLower(fragment),
		logger:   logger,
		body:     make(chan []byte, 1),
	}
	chromedp.ListenTarget(tabCtx, func(ev any) {
		switch e := ev.(type) {
		case *network.EventResponseReceived:
			rc.onResponse(e)
		case *network.EventLoadingFinished:
			rc.onLoadingFinished(tabCtx, e)
		}
	})
	return rc
}

func (rc *responseCapture) onResponse(ev *network.EventResponseReceived) {
	if !strings.Contains(strings.ToLower(ev.Response.URL), rc.fragment) {
		return
	}
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.resolved || rc.requestID != "" {
		return
	}
	rc.requestID = ev.RequestID
	rc.logger.Debug("transcript endpoint responded", zap.String("url", ev.Response.URL))
}

func (rc *responseCapture) onLoadingFinished(tabCtx context.Context, ev *network.EventLoadingFinished) {
	rc.mu.Lock()
	match := rc.requestID != "" && ev.RequestID == rc.requestID && !rc.resolved
	if match {
		rc.resolved = true
	}
	rc.mu.Unlock()
	if !match {
		return
	}

	// GetResponseBody must run outside the event handler; the handler
	// blocks the CDP message loop.
	go func() {
		c := chromedp.FromContext(tabCtx)
		if c == nil {
			return
		}
		execCtx := cdp.WithExecutor(tabCtx, c.Target)
		body, err := network.GetResponseBody(ev.RequestID).Do(execCtx)
		if err != nil {
			rc.logger.Debug("transcript body fetch failed", zap.Error(err))
			return
		}
		select {
		case rc.body <- body:
		default:
		}
	}()
}

// Wait blocks for the captured body up to timeout. Timing out is a clean
// miss, not an error: the engine moves on to the DOM fallback.
func (rc *responseCapture) Wait(ctx context.Context, timeout time.Duration) ([]byte, bool) {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	select {
	case body := <-rc.body:
		return body, true
	case <-waitCtx.Done():
		return nil, false
	}
}
