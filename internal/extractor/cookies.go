package extractor

import (
	"bufio"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

// ParseNetscape parses a Netscape cookies.txt file:
// domain, include-subdomains, path, secure, expiry, name, value.
func ParseNetscape(r io.Reader) ([]*http.Cookie, error) {
	var cookies []*http.Cookie
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		httpOnly := false
		if strings.HasPrefix(line, "#HttpOnly_") {
			line = strings.TrimPrefix(line, "#HttpOnly_")
			httpOnly = true
		}
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.Split(line, "\t")
		if len(parts) < 7 {
			continue
		}
		c := &http.Cookie{
			Domain:   parts[0],
			Path:     parts[2],
			Secure:   strings.EqualFold(parts[3], "TRUE"),
			Name:     parts[5],
			Value:    parts[6],
			HttpOnly: httpOnly,
		}
		if exp, _ := strconv.ParseInt(parts[4], 10, 64); exp > 0 {
			c.Expires = time.Unix(exp, 0)
		}
		cookies = append(cookies, c)
	}
	return cookies, scanner.Err()
}

// LoadCookies reads and parses the cookie file at path.
func LoadCookies(path string) ([]*http.Cookie, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParseNetscape(f)
}

// CookiesUsable reports whether path names a cookie file holding at least one
// unexpired cookie. Session cookies (no expiry) count as unexpired.
func CookiesUsable(path string, now time.Time) bool {
	if path == "" {
		return false
	}
	cookies, err := LoadCookies(path)
	if err != nil {
		return false
	}
	for _, c := range cookies {
		if c.Expires.IsZero() || c.Expires.After(now) {
			return true
		}
	}
	return false
}
