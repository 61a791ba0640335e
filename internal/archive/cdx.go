// SPDX-License-Identifier: MIT

package archive

import (
	"bufio"
	"bytes"
	"fmt"
	"path"
	"strconv"
	"strings"
)

// Capture is one row of a CDX index response.
type Capture struct {
	Original   string // the originally archived URL
	Timestamp  string // 14-digit capture timestamp
	StatusCode int
	MimeType   string
	Digest     string // content hash as reported by the archive
}

// cdxFields is the field list requested from the CDX endpoint, in order.
const cdxFields = "original,timestamp,statuscode,mimetype,digest"

// parseCDX parses a space-separated CDX response body. Rows that do not have
// exactly the requested fields are skipped.
func parseCDX(body []byte) ([]Capture, error) {
	var rows []Capture
	sc := bufio.NewScanner(bytes.NewReader(body))
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		parts := strings.Fields(line)
		if len(parts) != 5 {
			continue
		}
		status, err := strconv.Atoi(parts[2])
		if err != nil {
			continue
		}
		rows = append(rows, Capture{
			Original:   parts[0],
			Timestamp:  parts[1],
			StatusCode: status,
			MimeType:   strings.ToLower(parts[3]),
			Digest:     parts[4],
		})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("cdx scan: %w", err)
	}
	return rows, nil
}

// ParseCDX parses a raw CDX response body. Exported for the interception
// proxy, which runs its own CDX fallback lookups.
func ParseCDX(body []byte) ([]Capture, error) {
	return parseCDX(body)
}

// Nearest returns the capture whose timestamp is closest to target.
func Nearest(rows []Capture, target string) (Capture, bool) {
	return nearest(rows, target)
}

// IsMediaMime reports whether a capture is a standalone media asset rather
// than a page: anything that is neither text/html nor text/plain.
func IsMediaMime(mime string) bool {
	mime = strings.ToLower(strings.TrimSpace(mime))
	return mime != "text/html" && mime != "text/plain"
}

// MediaExtension extracts the lowercase filename extension of the original
// URL, without the dot. Empty when the path has none.
func MediaExtension(original string) string {
	p := original
	if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	ext := strings.TrimPrefix(strings.ToLower(path.Ext(p)), ".")
	return ext
}

// nearest returns the capture whose timestamp is closest to target.
func nearest(rows []Capture, target string) (Capture, bool) {
	want := TimeOfTimestamp(target)
	best := -1
	var bestDiff int64
	for i, r := range rows {
		ts := TimeOfTimestamp(r.Timestamp)
		if ts.IsZero() {
			continue
		}
		diff := ts.Unix() - want.Unix()
		if diff < 0 {
			diff = -diff
		}
		if best == -1 || diff < bestDiff {
			best, bestDiff = i, diff
		}
	}
	if best == -1 {
		return Capture{}, false
	}
	return rows[best], true
}

// oldest returns the capture with the smallest timestamp.
func oldest(rows []Capture) (Capture, bool) {
	best := -1
	for i, r := range rows {
		if !ValidTimestamp(r.Timestamp) {
			continue
		}
		if best == -1 || r.Timestamp < rows[best].Timestamp {
			best = i
		}
	}
	if best == -1 {
		return Capture{}, false
	}
	return rows[best], true
}
