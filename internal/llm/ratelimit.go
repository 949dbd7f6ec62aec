package llm

import (
	"regexp"
	"strconv"
	"strings"
)

// DefaultRateLimitWaitSeconds is used when the provider suggests no wait.
const DefaultRateLimitWaitSeconds = 35

// rateLimitWaitMargin pads the provider-suggested wait to avoid re-hitting
// the same window on the retry.
const rateLimitWaitMargin = 5

// RateLimitInfo captures structured throttling details. Provider adapters
// populate it from SDK fields where available; ParseRateLimit is the
// message-inspection fallback.
type RateLimitInfo struct {
	WaitSeconds int
	Limit       int
	Used        int
	Requested   int
}

var (
	waitPattern      = regexp.MustCompile(`try again in (\d+(?:\.\d+)?)\s*s`)
	limitPattern     = regexp.MustCompile(`Limit (\d+)`)
	usedPattern      = regexp.MustCompile(`Used (\d+)`)
	requestedPattern = regexp.MustCompile(`Requested (\d+)`)
)

// ParseRateLimit inspects a provider error message for throttling markers.
// It returns ok=false when the message does not look like a rate limit.
func ParseRateLimit(message string) (RateLimitInfo, bool) {
	if !strings.Contains(message, "429") && !strings.Contains(strings.ToLower(message), "rate_limit") && !strings.Contains(strings.ToLower(message), "rate limit") {
		return RateLimitInfo{}, false
	}

	info := RateLimitInfo{WaitSeconds: DefaultRateLimitWaitSeconds}

	if m := waitPattern.FindStringSubmatch(message); m != nil {
		if secs, err := strconv.ParseFloat(m[1], 64); err == nil {
			info.WaitSeconds = int(secs) + rateLimitWaitMargin
		}
	}
	if m := limitPattern.FindStringSubmatch(message); m != nil {
		info.Limit, _ = strconv.Atoi(m[1])
	}
	if m := usedPattern.FindStringSubmatch(message); m != nil {
		info.Used, _ = strconv.Atoi(m[1])
	}
	if m := requestedPattern.FindStringSubmatch(message); m != nil {
		info.Requested, _ = strconv.Atoi(m[1])
	}
	return info, true
}
