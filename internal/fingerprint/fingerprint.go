// Package fingerprint derives the canonical identity of a shared URL.
// Equivalent URLs (scheme, www prefix, tracking parameters, trailing slash,
// fragment, query order) map to the same fingerprint.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"path"
	"sort"
	"strings"

	"github.com/jonesrussell/curator/internal/domain"
)

// Length is the size of a fingerprint: hex-encoded SHA-256.
const Length = 64

var trackingParams = map[string]struct{}{
	"utm_source":   {},
	"utm_medium":   {},
	"utm_campaign": {},
	"utm_term":     {},
	"utm_content":  {},
	"ref":          {},
	"fbclid":       {},
	"gclid":        {},
	"mc_cid":       {},
	"mc_eid":       {},
	"igshid":       {},
	"si":           {},
}

var defaultPorts = map[string]string{"http": "80", "https": "443"}

// Normalize returns the canonical form of raw. Path case is preserved
// because platform identifiers in paths are case-sensitive.
func Normalize(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("%w: empty", domain.ErrInvalidURL)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrInvalidURL, err)
	}
	scheme := strings.ToLower(u.Scheme)
	if (scheme != "http" && scheme != "https") || u.Hostname() == "" {
		return "", fmt.Errorf("%w: %q needs an http(s) scheme and host", domain.ErrInvalidURL, raw)
	}

	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	if port := u.Port(); port != "" && port != defaultPorts[scheme] {
		host += ":" + port
	}

	out := url.URL{
		Scheme:   "https",
		Host:     host,
		Path:     cleanPath(u.Path),
		RawQuery: cleanQuery(u.Query()),
	}
	return out.String(), nil
}

// Fingerprint returns the SHA-256 hex digest of the normalized URL.
func Fingerprint(raw string) (string, error) {
	normalized, err := Normalize(raw)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:]), nil
}

// Valid reports whether fp is structurally a fingerprint.
func Valid(fp string) bool {
	if len(fp) != Length {
		return false
	}
	for i := range len(fp) {
		c := fp[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// DetectPlatform classifies raw by host.
func DetectPlatform(raw string) domain.Platform {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return domain.PlatformUnknown
	}
	host := strings.ToLower(u.Hostname())
	switch {
	case hostIs(host, "instagram.com"):
		return domain.PlatformInstagram
	case hostIs(host, "youtube.com"), hostIs(host, "youtu.be"):
		return domain.PlatformYouTube
	default:
		return domain.PlatformUnknown
	}
}

func hostIs(host, base string) bool {
	return host == base || strings.HasSuffix(host, "."+base)
}

func cleanPath(p string) string {
	if p == "" || p == "/" {
		return ""
	}
	return strings.TrimRight(path.Clean(p), "/")
}

func cleanQuery(values url.Values) string {
	keys := make([]string, 0, len(values))
	for k := range values {
		if _, tracking := trackingParams[strings.ToLower(k)]; !tracking {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return ""
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		vals := append([]string(nil), values[k]...)
		sort.Strings(vals)
		for _, v := range vals {
			if b.Len() > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(k))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(v))
		}
	}
	return b.String()
}
