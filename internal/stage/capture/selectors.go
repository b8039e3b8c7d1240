package capture

import (
	"context"
	"strconv"
	"time"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

// strategy is one candidate selector for a UI interaction. Strategies are
// tried in priority order; the first that succeeds wins and the rest are
// skipped. A strategy failing is expected, not an error.
type strategy struct {
	name     string
	selector string
}

// Default selector hierarchies. The upstream DOM churns; each list starts
// with the most stable selector observed and degrades toward positional
// ones. All are overridable from configuration.
var (
	defaultConsentSelectors = []strategy{
		{"consent-reject-all", `button[aria-label="Reject all"]`},
		{"consent-reject-es", `button[aria-label="Rechazar todo"]`},
		{"consent-dialog-second-button", `tp-yt-paper-dialog .eom-buttons ytd-button-renderer:nth-of-type(1) button`},
	}

	defaultExpandSelectors = []strategy{
		{"description-expand", `tp-yt-paper-button#expand`},
		{"description-more", `#description-inline-expander #expand`},
		{"description-more-legacy", `yt-formatted-string.more-button`},
	}

	defaultTranscriptSelectors = []strategy{
		// The menu-anchored selector survives layout experiments far
		// better than the positional fallbacks below.
		{"show-transcript-aria", `button[aria-label="Show transcript"]`},
		{"show-transcript-section", `ytd-video-description-transcript-section-renderer button`},
		{"show-transcript-positional", `#primary-button ytd-button-renderer button`},
	}
)

// clickFirst tries each strategy with a short per-attempt deadline and
// returns the name of the one that clicked. No strategy matching is a
// clean false; this helper never propagates an error upward.
func clickFirst(ctx context.Context, strategies []strategy, perAttempt time.Duration, logger *zap.Logger) (string, bool) {
	if perAttempt <= 0 {
		perAttempt = 2 * time.Second
	}
	for _, st := range strategies {
		if ctx.Err() != nil {
			return "", false
		}
		attemptCtx, cancel := context.WithTimeout(ctx, perAttempt)
		err := chromedp.Run(attemptCtx,
			chromedp.Click(st.selector, chromedp.ByQuery, chromedp.NodeVisible),
		)
		cancel()
		if err == nil {
			logger.Debug("selector strategy clicked", zap.String("strategy", st.name))
			return st.name, true
		}
		logger.Debug("selector strategy missed", zap.String("strategy", st.name))
	}
	return "", false
}

// strategiesFrom converts configured selector strings into strategies,
// falling back to defaults when none are configured.
func strategiesFrom(selectors []string, defaults []strategy, label string) []strategy {
	if len(selectors) == 0 {
		return defaults
	}
	out := make([]strategy, 0, len(selectors))
	for i, sel := range selectors {
		out = append(out, strategy{name: label + "-cfg-" + strconv.Itoa(i), selector: sel})
	}
	return out
}
