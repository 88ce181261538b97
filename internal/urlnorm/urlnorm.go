// Package urlnorm validates caller-supplied URLs and reduces them to a
// canonical form whose digest is used as the cache and dedup key.
//
// Screening is by hostname pattern only. No DNS lookups are made, so a public
// name that resolves to a private address (DNS rebinding) is not detected.
package urlnorm

import (
	"cmp"
	"fmt"
	"net"
	"net/url"
	"slices"
	"strings"

	"github.com/JakeFAU/pagecache/internal/hash/sha256"
	"github.com/JakeFAU/pagecache/internal/scrape"
)

// MaxURLLength caps the raw URL length in characters.
const MaxURLLength = 2048

var blockedSuffixes = []string{
	".local",
	".localhost",
	".internal",
	".intranet",
	".corp",
	".lan",
	".home.arpa",
}

var trackingParams = map[string]struct{}{
	"fbclid":  {},
	"gclid":   {},
	"gclsrc":  {},
	"dclid":   {},
	"msclkid": {},
	"yclid":   {},
	"twclid":  {},
	"igshid":  {},
	"mc_cid":  {},
	"mc_eid":  {},
	"_ga":     {},
	"_gl":     {},
	"ref":     {},
	"ref_src": {},
	"_hsenc":  {},
	"_hsmi":   {},
	"mkt_tok": {},
}

var trackingPrefixes = []string{"utm_", "pk_", "hsa_"}

// Validate rejects URLs that are too long, unparsable, not http(s), or that
// point at loopback, private, link-local or reserved hosts.
func Validate(raw string) error {
	if len([]rune(raw)) > MaxURLLength {
		return &scrape.ValidationError{
			Code:    scrape.CodeTooLong,
			Message: fmt.Sprintf("URL exceeds maximum length of %d characters", MaxURLLength),
		}
	}
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Scheme == "" {
		return invalidURL()
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return &scrape.ValidationError{
			Code:    scrape.CodeInvalidScheme,
			Message: "Invalid URL scheme: only http and https are allowed",
		}
	}
	host := hostname(u)
	if host == "" {
		return invalidURL()
	}
	if isPrivateHost(host) {
		return &scrape.ValidationError{
			Code:    scrape.CodePrivateIP,
			Message: "Private/local addresses are not allowed",
		}
	}
	for _, suffix := range blockedSuffixes {
		if strings.HasSuffix(host, suffix) {
			return &scrape.ValidationError{
				Code:    scrape.CodeBlockedHostname,
				Message: "Hostname is blocked",
			}
		}
	}
	return nil
}

func invalidURL() error {
	return &scrape.ValidationError{Code: scrape.CodeInvalidURL, Message: "Invalid URL format"}
}

func hostname(u *url.URL) string {
	host := strings.ToLower(u.Hostname())
	if i := strings.IndexByte(host, '%'); i >= 0 {
		host = host[:i]
	}
	return strings.TrimSuffix(host, ".")
}

func isPrivateHost(host string) bool {
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return true
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsLoopback() ||
		ip.IsPrivate() ||
		ip.IsUnspecified() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast()
}

// Normalize returns the canonical form of raw. It never fails: input that
// does not parse is returned trimmed. Normalize(Normalize(x)) == Normalize(x).
func Normalize(raw string) string {
	trimmed := strings.TrimSpace(raw)
	u, err := url.Parse(trimmed)
	if err != nil || u.Host == "" {
		return trimmed
	}

	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	port := u.Port()
	if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
		port = ""
	}

	path := u.EscapedPath()
	if len(path) > 1 {
		path = strings.TrimRight(path, "/")
	}
	if path == "" {
		path = "/"
	}

	query := cleanQuery(u.RawQuery)

	var b strings.Builder
	b.WriteString(scheme)
	b.WriteString("://")
	b.WriteString(host)
	if port != "" {
		b.WriteString(":")
		b.WriteString(port)
	}
	if query == "" {
		b.WriteString(path)
		return b.String()
	}
	if path != "/" {
		b.WriteString(path)
	}
	b.WriteString("?")
	b.WriteString(query)
	return b.String()
}

// queryPair is one name=value element of a query string.
type queryPair struct {
	name string // decoded when possible, raw otherwise
	text string // canonical encoding, or the raw element
}

// cleanQuery drops tracking parameters and sorts the rest by name. Pairs are
// split on '&' only. A pair that does not decode, or that contains ';', is
// kept verbatim so distinct queries never collapse into one key.
func cleanQuery(rawQuery string) string {
	if rawQuery == "" {
		return ""
	}
	var pairs []queryPair
	for _, part := range strings.Split(rawQuery, "&") {
		if part == "" {
			continue
		}
		rawName, rawValue, _ := strings.Cut(part, "=")
		name, err := url.QueryUnescape(rawName)
		if err != nil {
			pairs = append(pairs, queryPair{name: rawName, text: part})
			continue
		}
		if strings.Contains(part, ";") {
			pairs = append(pairs, queryPair{name: name, text: part})
			continue
		}
		if isTrackingParam(name) {
			continue
		}
		value, err := url.QueryUnescape(rawValue)
		if err != nil {
			pairs = append(pairs, queryPair{name: name, text: part})
			continue
		}
		pairs = append(pairs, queryPair{name: name, text: url.QueryEscape(name) + "=" + url.QueryEscape(value)})
	}
	slices.SortStableFunc(pairs, func(a, b queryPair) int {
		return cmp.Compare(a.name, b.name)
	})
	texts := make([]string, len(pairs))
	for i, p := range pairs {
		texts[i] = p.text
	}
	return strings.Join(texts, "&")
}

func isTrackingParam(name string) bool {
	lower := strings.ToLower(name)
	if _, ok := trackingParams[lower]; ok {
		return true
	}
	for _, prefix := range trackingPrefixes {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}
	return false
}

// Hash returns the hex SHA-256 digest of a normalized URL.
func Hash(normalized string) string {
	return sha256.Key(normalized)
}

// Canonical validates raw and returns its normalized form and hash.
func Canonical(raw string) (normalized string, hash string, err error) {
	if err := Validate(raw); err != nil {
		return "", "", err
	}
	normalized = Normalize(raw)
	return normalized, Hash(normalized), nil
}
