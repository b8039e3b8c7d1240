// Package webfetch wraps a colly collector into the single-request HTTP
// client used by the caption stages. Every request is routed through the
// caller-supplied proxy URL; there is no direct-connection fallback.
package webfetch

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/voxlay/transcriptd/internal/proxy"
	"github.com/voxlay/transcriptd/internal/transcript"
)

// Client issues single proxied requests.
type Client struct {
	userAgent string
	timeout   time.Duration
}

// New builds a client. timeout bounds the full response wait.
func New(userAgent string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 6 * time.Second
	}
	return &Client{userAgent: userAgent, timeout: timeout}
}

// Get fetches rawURL through proxyURL and returns the body.
func (c *Client) Get(ctx context.Context, rawURL, proxyURL string, headers map[string]string) ([]byte, error) {
	return c.do(ctx, rawURL, proxyURL, headers, nil, "")
}

// Post sends body as contentType to rawURL through proxyURL.
func (c *Client) Post(ctx context.Context, rawURL, proxyURL string, headers map[string]string, body []byte, contentType string) ([]byte, error) {
	return c.do(ctx, rawURL, proxyURL, headers, body, contentType)
}

func (c *Client) do(ctx context.Context, rawURL, proxyURL string, headers map[string]string, body []byte, contentType string) ([]byte, error) {
	if proxyURL == "" {
		return nil, transcript.Errorf(transcript.KindUnreachable, "no proxy configured")
	}

	collector := colly.NewCollector(colly.Async(false))
	collector.IgnoreRobotsTxt = true
	collector.AllowURLRevisit = true
	collector.SetRequestTimeout(c.timeout)
	collector.WithTransport(newTransport())
	if c.userAgent != "" {
		collector.UserAgent = c.userAgent
	}
	if err := collector.SetProxy(proxyURL); err != nil {
		return nil, transcript.Errorf(transcript.KindUnreachable, "set proxy: %v", err)
	}

	// The callbacks run on the visit goroutine, which may outlive a
	// canceled do call; the mutex keeps the snapshot below race-free.
	var (
		mu       sync.Mutex
		respBody []byte
		status   int
	)
	collector.OnRequest(func(r *colly.Request) {
		for key, value := range headers {
			r.Headers.Set(key, value)
		}
		if contentType != "" {
			r.Headers.Set("Content-Type", contentType)
		}
	})
	collector.OnResponse(func(r *colly.Response) {
		mu.Lock()
		defer mu.Unlock()
		status = r.StatusCode
		respBody = append([]byte(nil), r.Body...)
	})
	collector.OnError(func(r *colly.Response, _ error) {
		mu.Lock()
		defer mu.Unlock()
		if r != nil {
			status = r.StatusCode
		}
	})

	visitErr := c.visit(ctx, collector, rawURL, body)
	mu.Lock()
	st, resp := status, respBody
	mu.Unlock()

	if visitErr != nil && st == 0 {
		return nil, transcript.NewStageError(transcript.KindUnreachable, visitErr)
	}

	switch {
	case proxy.IsAuthStatus(st):
		return nil, transcript.NewStageError(transcript.KindAuth, &proxy.AuthError{Status: st})
	case st >= 500:
		return nil, transcript.Errorf(transcript.KindUnreachable, "upstream returned %d", st)
	case st >= 400:
		return nil, transcript.Errorf(transcript.KindUnavailable, "upstream returned %d", st)
	case st == 0:
		return nil, transcript.Errorf(transcript.KindUnreachable, "no response received")
	}
	return resp, nil
}

// visit runs the collector on its own goroutine so ctx cancellation is
// honored even while colly blocks on the transport.
func (c *Client) visit(ctx context.Context, collector *colly.Collector, rawURL string, body []byte) error {
	done := make(chan error, 1)
	go func() {
		if body != nil {
			done <- collector.PostRaw(rawURL, body)
			return
		}
		done <- collector.Visit(rawURL)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("fetch %s: %w", rawURL, err)
		}
		return nil
	}
}

func newTransport() *http.Transport {
	return &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
