// SPDX-License-Identifier: MIT

package archive

import (
	"net/url"
	"strings"
)

// URLKey computes the archive-normalized sort key for a URL:
// host labels reversed and comma-joined, then ")/" and the case-folded path,
// e.g. "http://www.Example.com/A/b?q=1" -> "com,example,www)/a/b?q=1".
// Snapshots sort by key so captures of one host cluster together.
func URLKey(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return strings.ToLower(raw)
	}
	host := strings.ToLower(u.Hostname())
	labels := strings.Split(host, ".")
	for i, j := 0, len(labels)-1; i < j; i, j = i+1, j-1 {
		labels[i], labels[j] = labels[j], labels[i]
	}
	key := strings.Join(labels, ",") + ")"

	path := strings.ToLower(u.EscapedPath())
	if path == "" {
		path = "/"
	}
	key += path
	if u.RawQuery != "" {
		key += "?" + strings.ToLower(u.RawQuery)
	}
	return key
}

// HostOfKey returns the reversed-host prefix of a URL key (everything before
// the ')' separator).
func HostOfKey(key string) string {
	if i := strings.IndexByte(key, ')'); i >= 0 {
		return key[:i]
	}
	return key
}
