// Package upstream parses and normalizes the configured list of
// DNS-over-HTTPS upstream resolvers. It is permissive about formatting
// (stray whitespace, missing trailing slashes) but rejects tokens that
// don't parse as an absolute https URL.
package upstream

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"
)

// EnvVar is the environment variable read at process start.
const EnvVar = "DOH_UPSTREAMS"

// defaultUpstreams lists widely available public DoH resolvers. It is
// an implementation detail, not a contract: callers should never depend
// on its membership or order. Use Default to obtain a copy.
var defaultUpstreams = []string{
	"https://cloudflare-dns.com/dns-query",
	"https://dns.google/dns-query",
	"https://dns.quad9.net/dns-query",
	"https://doh.opendns.com/dns-query",
	"https://dns.nextdns.io/dns-query",
	"https://doh.libredns.gr/dns-query",
}

var splitPattern = regexp.MustCompile(`[\s,]+`)

// Entry is a single upstream URL paired with its pre-parsed form, so the
// dispatcher's hot path never calls url.Parse itself.
type Entry struct {
	URL    string
	Parsed *url.URL
}

// List is an ordered, stably-indexed sequence of normalized upstream
// entries.
type List struct {
	entries []Entry
}

// Default returns a fresh copy of the built-in upstream list.
func Default() []string {
	out := make([]string, len(defaultUpstreams))
	copy(out, defaultUpstreams)
	return out
}

// Load reads DOH_UPSTREAMS once and returns the parsed List. An
// empty/blank value falls back to Default.
func Load() List {
	return FromEnvValue(os.Getenv(EnvVar))
}

// FromEnvValue parses raw the same way Load parses the environment
// variable. Exposed directly so tests don't need to mutate process
// environment. Tokens that fail to normalize (not an absolute https
// URL) are dropped.
func FromEnvValue(raw string) List {
	tokens := splitPattern.Split(strings.TrimSpace(raw), -1)

	entries := make([]Entry, 0, len(tokens))
	for _, t := range tokens {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		normalized, err := Normalize(t)
		if err != nil {
			continue
		}
		entries = append(entries, mustEntry(normalized))
	}

	if len(entries) == 0 {
		for _, raw := range Default() {
			entries = append(entries, mustEntry(raw))
		}
	}

	return List{entries: entries}
}

// mustEntry builds an Entry from a string already known to be a valid
// normalized upstream URL (either Default()'s own literals or a token
// that has just round-tripped through Normalize successfully).
func mustEntry(normalized string) Entry {
	parsed, err := url.Parse(normalized)
	if err != nil {
		panic(fmt.Sprintf("upstream: unreachable: %q failed to re-parse after normalization: %v", normalized, err))
	}
	return Entry{URL: normalized, Parsed: parsed}
}

// Normalize applies the normalization rule from the data model: strip a
// trailing slash, then append /dns-query if the URL doesn't already end
// in it and carries no query string. Normalize is idempotent. It
// returns an error if raw does not parse as an absolute https URL.
func Normalize(raw string) (string, error) {
	u := strings.TrimRight(raw, "/")

	parsed, err := url.Parse(u)
	if err != nil {
		return "", fmt.Errorf("upstream: %q is not a valid URL: %w", raw, err)
	}
	if parsed.Scheme != "https" {
		return "", fmt.Errorf("upstream: %q must be an absolute https URL", raw)
	}
	if parsed.Host == "" {
		return "", fmt.Errorf("upstream: %q is missing a host", raw)
	}

	if strings.HasSuffix(u, "/dns-query") {
		return u, nil
	}
	if strings.Contains(u, "?") {
		return u, nil
	}
	return u + "/dns-query", nil
}

// URLs returns the ordered upstream URLs.
func (l List) URLs() []string {
	out := make([]string, len(l.entries))
	for i, e := range l.entries {
		out[i] = e.URL
	}
	return out
}

// Entries returns the ordered upstream entries, each paired with its
// pre-parsed *url.URL.
func (l List) Entries() []Entry {
	return l.entries
}

// Len reports the number of upstreams in the list.
func (l List) Len() int {
	return len(l.entries)
}
