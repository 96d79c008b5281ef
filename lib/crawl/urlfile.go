package crawl

import (
	"log/slog"
	"net/url"
	"os"
	"strings"
	"unicode"
)

// ReadURLFile reads one url per line, skipping blank lines and
// #-comments. Lines that are not valid http(s) urls are dropped with a
// warning.
func ReadURLFile(path string) ([]string, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var urls []string
	invalid := 0
	for _, line := range strings.Split(string(content), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if !ValidURL(line) {
			invalid++
			continue
		}
		urls = append(urls, line)
	}
	if invalid > 0 {
		slog.Warn("skipped invalid urls", "count", invalid, "path", path)
	}
	return urls, nil
}

// ValidURL reports whether raw is an absolute http or https url with a
// plausible host.
func ValidURL(raw string) bool {
	if !strings.HasPrefix(raw, "http://") && !strings.HasPrefix(raw, "https://") {
		return false
	}
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Host == "" {
		return false
	}
	for _, r := range parsed.Hostname() {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '.' && r != '-' {
			return false
		}
	}
	return true
}
