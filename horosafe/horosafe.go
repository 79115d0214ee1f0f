// Package horosafe holds the small security helpers dupwatch shares across
// packages: URL sanity checks for outbound webhooks, bounded reads of remote
// response bodies, and masking of credentials before they reach a log line.
package horosafe

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
)

// MaxResponseBody is the default cap for HTTP response body reads (1 MiB).
const MaxResponseBody int64 = 1 << 20

// ErrUnsafeScheme is returned when a URL uses a non-HTTP(S) scheme.
var ErrUnsafeScheme = errors.New("horosafe: only http and https schemes are allowed")

// ErrNoHost is returned when a URL has no hostname.
var ErrNoHost = errors.New("horosafe: URL has no host")

// ValidateHTTPURL checks that rawURL parses, uses http or https, and names a
// host. Private addresses are allowed: webhook targets are operator-supplied.
func ValidateHTTPURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("horosafe: invalid URL: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return ErrUnsafeScheme
	}
	if u.Hostname() == "" {
		return ErrNoHost
	}
	return nil
}

// LimitedReadAll reads at most maxBytes from r. It returns an error if the
// limit is exceeded.
func LimitedReadAll(r io.Reader, maxBytes int64) ([]byte, error) {
	lr := io.LimitReader(r, maxBytes+1)
	data, err := io.ReadAll(lr)
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > maxBytes {
		return data[:maxBytes], fmt.Errorf("horosafe: response exceeds %d bytes", maxBytes)
	}
	return data, nil
}

// MaskSecret keeps the last four characters of s and replaces the rest with
// asterisks. Strings of eight characters or fewer are fully masked.
func MaskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return strings.Repeat("*", len(s))
	}
	return strings.Repeat("*", len(s)-4) + s[len(s)-4:]
}

// RedactURL drops the path and query of a webhook URL, which carry the
// webhook token, keeping scheme and host for diagnostics.
func RedactURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return MaskSecret(rawURL)
	}
	return u.Scheme + "://" + u.Host + "/…"
}
