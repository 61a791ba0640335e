// SPDX-License-Identifier: MIT

// Package archive talks to the public web archive: snapshot URL handling,
// CDX index lookups, last-modified enrichment and save-page-now requests.
package archive

import (
	"fmt"
	"regexp"
	"strings"
)

// Rendering variant selectors understood by the archive's replay server.
const (
	ModifierNone        = ""    // full replay with toolbar chrome
	ModifierIframe      = "if_" // toolbar hidden, for embedding in frames
	ModifierObjectEmbed = "oe_" // media object/embed variant
	ModifierIdentical   = "id_" // raw bytes, no DOM injection
)

// TimestampLen is the length of an archive capture timestamp (YYYYMMDDHHMMSS).
const TimestampLen = 14

var timestampRe = regexp.MustCompile(`^\d{14}$`)

// ValidTimestamp reports whether ts is a well-formed 14-digit capture timestamp.
func ValidTimestamp(ts string) bool {
	return timestampRe.MatchString(ts)
}

// SnapshotURL identifies one archived capture plus its rendering variant.
type SnapshotURL struct {
	Timestamp string // 14-digit YYYYMMDDHHMMSS
	Modifier  string // one of the Modifier* constants
	URL       string // the original URL, scheme included
}

var snapshotRe = regexp.MustCompile(`^(https?://[^/]+)/web/(\d{14})([a-z]{2}_)?/(.*)$`)

// ParseSnapshotURL splits a replay URL into timestamp, modifier and original
// URL. A URL without a modifier yields Modifier == ModifierNone. Returns
// false when raw is not a snapshot URL at all.
func ParseSnapshotURL(raw string) (SnapshotURL, bool) {
	m := snapshotRe.FindStringSubmatch(raw)
	if m == nil {
		return SnapshotURL{}, false
	}
	return SnapshotURL{Timestamp: m[2], Modifier: m[3], URL: m[4]}, true
}

// String re-composes the replay URL on the default web host. Composing and
// re-parsing is the identity on (timestamp, modifier, url).
func (s SnapshotURL) String() string {
	return s.OnHost(DefaultWebHost)
}

// OnHost composes the replay URL against the given scheme://host prefix.
func (s SnapshotURL) OnHost(host string) string {
	return fmt.Sprintf("%s/web/%s%s/%s", strings.TrimRight(host, "/"), s.Timestamp, s.Modifier, s.URL)
}

// WithModifier returns a copy selecting a different rendering variant.
func (s SnapshotURL) WithModifier(mod string) SnapshotURL {
	s.Modifier = mod
	return s
}

// DefaultWebHost is the public replay frontend.
const DefaultWebHost = "https://web.archive.org"

// DefaultCDXURL is the public CDX search endpoint.
const DefaultCDXURL = "https://web.archive.org/cdx/search/cdx"

// IsArchiveHost reports whether host belongs to the archive itself. Links
// pointing back at the archive's own domain are never scouted as children.
func IsArchiveHost(host string) bool {
	host = strings.ToLower(host)
	return host == "web.archive.org" || host == "archive.org" ||
		strings.HasSuffix(host, ".archive.org")
}
