// SPDX-License-Identifier: MIT

package recorder

import (
	"net/url"
	"strings"

	"github.com/oldweb/webtape/internal/archive"
)

// Redirected decides whether a capture drifted away from the snapshot it was
// pointed at. Leaving the archive entirely is always a redirect; within the
// archive, any of browser-counted redirects, a modifier change, a timestamp
// change, or a host/path change (compared case-insensitively after percent
// unquoting) marks the capture as redirected.
func Redirected(requested archive.SnapshotURL, currentURL string, redirectCount int) bool {
	cur, ok := archive.ParseSnapshotURL(currentURL)
	if !ok {
		return true
	}
	if redirectCount > 0 {
		return true
	}
	if cur.Modifier != requested.Modifier || cur.Timestamp != requested.Timestamp {
		return true
	}
	return !sameResource(requested.URL, cur.URL)
}

// sameResource compares two original-web URLs by host and path, ignoring
// case, percent encoding and the query string. Replay servers rewrite
// queries freely without that being a navigation.
func sameResource(a, b string) bool {
	ha, pa, oka := hostPath(a)
	hb, pb, okb := hostPath(b)
	if !oka || !okb {
		return strings.EqualFold(a, b)
	}
	return ha == hb && pa == pb
}

func hostPath(raw string) (host, path string, ok bool) {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", "", false
	}
	p := u.EscapedPath()
	if unq, err := url.PathUnescape(p); err == nil {
		p = unq
	}
	if p == "" {
		p = "/"
	}
	return strings.ToLower(u.Host), strings.ToLower(p), true
}
