package transcript

import (
	"strings"
)

// consentMarkers identify HTML interstitials the upstream serves instead
// of caption data when it suspects automation.
var consentMarkers = []string{
	"consent.youtube.com",
	"before you continue",
	"unusual traffic",
	"/sorry/",
	"captcha",
}

// ValidateBody checks that an HTTP-stage response body looks like caption
// content rather than an HTML consent or blocking page. Invalid content is
// a ContentInvalid stage error so the orchestrator can retry once with
// stronger credentials before falling through.
func ValidateBody(body []byte) error {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return Errorf(KindContentInvalid, "empty response body")
	}
	lower := strings.ToLower(trimmed)
	if strings.HasPrefix(lower, "<!doctype html") || strings.HasPrefix(lower, "<html") {
		return Errorf(KindContentInvalid, "got HTML page where caption data expected")
	}
	for _, marker := range consentMarkers {
		if strings.Contains(lower, marker) {
			return Errorf(KindContentInvalid, "blocked by consent/anti-bot page (%s)", marker)
		}
	}
	return nil
}
