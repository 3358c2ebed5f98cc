package upstream

import (
	"net/http"
	"regexp"
	"strconv"
	"time"
)

// defaultRateLimitCooldown is used when no reset time can be parsed at all.
const defaultRateLimitCooldown = 60 * time.Second

var quotaResetPattern = regexp.MustCompile(`quota will reset after\s+(?:(\d+)h)?\s*(?:(\d+)m)?\s*(?:(\d+)s)?`)

// parseResetTime honors, in order: the Retry-After header (delta-seconds
// or an HTTP date), a vendor JSON body matching "quota will reset after
// <Nh Nm Ns>", then falls back to a fixed 60s cooldown.
func parseResetTime(header http.Header, body []byte, nowMs int64) int64 {
	if ra := header.Get("Retry-After"); ra != "" {
		if secs, err := strconv.Atoi(ra); err == nil {
			return nowMs + int64(secs)*1000
		}
		if t, err := http.ParseTime(ra); err == nil {
			return t.UnixMilli()
		}
	}

	if m := quotaResetPattern.FindSubmatch(body); m != nil {
		var d time.Duration
		if len(m[1]) > 0 {
			h, _ := strconv.Atoi(string(m[1]))
			d += time.Duration(h) * time.Hour
		}
		if len(m[2]) > 0 {
			mm, _ := strconv.Atoi(string(m[2]))
			d += time.Duration(mm) * time.Minute
		}
		if len(m[3]) > 0 {
			s, _ := strconv.Atoi(string(m[3]))
			d += time.Duration(s) * time.Second
		}
		if d > 0 {
			return nowMs + d.Milliseconds()
		}
	}

	return nowMs + defaultRateLimitCooldown.Milliseconds()
}
