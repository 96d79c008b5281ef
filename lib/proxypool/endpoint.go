package proxypool

import (
	"strings"
	"time"
)

var knownSchemes = []string{"http://", "https://", "socks4://", "socks5://"}

// Normalize canonicalizes an endpoint address. Whitespace is trimmed and
// addresses without a recognized scheme default to http://. Blank input
// normalizes to "".
func Normalize(endpoint string) string {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return ""
	}
	for _, scheme := range knownSchemes {
		if strings.HasPrefix(endpoint, scheme) {
			return endpoint
		}
	}
	return "http://" + endpoint
}

// Stats is a point-in-time snapshot of one endpoint's health record.
type Stats struct {
	Endpoint            string
	SuccessCount        int
	FailureCount        int
	TotalResponseTime   float64
	ConsecutiveFailures int
	LastUsedAt          time.Time
	LastFailureAt       time.Time
	IsActive            bool
}

// AverageResponseTime is the mean response time in seconds over successful
// calls. An endpoint that has never succeeded reports 0.
func (s Stats) AverageResponseTime() float64 {
	return s.TotalResponseTime / float64(max(1, s.SuccessCount))
}
