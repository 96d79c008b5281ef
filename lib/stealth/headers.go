package stealth

import (
	"net/textproto"

	browser "github.com/EDDYCJY/fake-useragent"
)

var defaultUserAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:121.0) Gecko/20100101 Firefox/121.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.1.2 Safari/605.1.15",
}

var acceptLanguages = []string{
	"en-US,en;q=0.9",
	"en-GB,en;q=0.9,en-US;q=0.8",
	"en;q=0.9",
	"zh-CN,zh;q=0.9,en;q=0.8",
}

// UserAgentSource produces the user agent for each attempt.
type UserAgentSource interface {
	UserAgent() string
}

// FakeBrowserSource draws from a continually refreshed pool of real
// browser user agents. The pool is fetched over the network on first
// use, so the curated default list is the better fit for offline runs.
type FakeBrowserSource struct{}

func (FakeBrowserSource) UserAgent() string {
	return browser.Random()
}

// baseHeaders is the browser-looking baseline sent with every attempt.
// Accept-Encoding advertises gzip only: the transport decompresses gzip
// transparently but would hand brotli bodies through raw.
func baseHeaders() map[string]string {
	return map[string]string{
		"Accept":                    "text/html,application/xhtml+xml,application/xml;q=0.9,image/webp,*/*;q=0.8",
		"Accept-Encoding":           "gzip",
		"Cache-Control":             "no-cache",
		"Connection":                "keep-alive",
		"Pragma":                    "no-cache",
		"Referer":                   "https://www.google.com/",
		"Sec-Fetch-Dest":            "document",
		"Sec-Fetch-Mode":            "navigate",
		"Sec-Fetch-Site":            "none",
		"Sec-Fetch-User":            "?1",
		"Upgrade-Insecure-Requests": "1",
	}
}

// composeHeaders builds the rotated header set for one attempt and lays
// the caller's headers on top. The caller wins on conflict, whatever the
// key's casing.
func (c *Client) composeHeaders(caller map[string]string) map[string]string {
	headers := baseHeaders()
	headers["User-Agent"] = c.userAgent()
	headers["Accept-Language"] = c.randomFrom(acceptLanguages)
	for key, value := range caller {
		headers[textproto.CanonicalMIMEHeaderKey(key)] = value
	}
	return headers
}

func (c *Client) userAgent() string {
	if c.opts.UserAgentSource != nil {
		return c.opts.UserAgentSource.UserAgent()
	}
	return c.randomFrom(defaultUserAgents)
}

func (c *Client) randomFrom(list []string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return list[c.rng.Intn(len(list))]
}
