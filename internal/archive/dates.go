// SPDX-License-Identifier: MIT

package archive

import (
	"regexp"
	"strings"
	"time"
)

// The web has no captures before 1991; last-modified values outside
// [1991, now] come from broken origin servers and are discarded.
const minLastModifiedYear = 1991

var (
	multiSpaceRe = regexp.MustCompile(`\s{2,}`)
	// "Thu Jan 01 1970"-style dates missing the comma after the weekday.
	missingCommaRe = regexp.MustCompile(`^([A-Za-z]{3}) (\d)`)
	// Numeric timezone offsets written without a colon sign, e.g. "+0000 GMT".
	trailingTZNameRe = regexp.MustCompile(`([+-]\d{4}) [A-Z]{2,5}$`)
)

var lastModifiedLayouts = []string{
	time.RFC1123,                        // Mon, 02 Jan 2006 15:04:05 MST
	time.RFC1123Z,                       // Mon, 02 Jan 2006 15:04:05 -0700
	"Mon, 2 Jan 2006 15:04:05 MST",      // single-digit day
	"Mon, 2 Jan 2006 15:04:05 -0700",
	"Mon, 02 Jan 06 15:04:05 MST",       // two-digit year
	"Mon, 2 Jan 06 15:04:05 MST",
	time.ANSIC,                          // Mon Jan  2 15:04:05 2006
	"Monday, 02-Jan-06 15:04:05 MST",    // RFC 850
	"Mon, 02 Jan 2006 15:04:05",         // timezone dropped entirely
	"2006-01-02 15:04:05",
}

// ParseLastModified parses the x-archive-orig-last-modified header, tolerating
// the malformed shapes legacy origin servers emitted. Returns the zero time
// when the value is unparseable or outside the plausible range.
func ParseLastModified(raw string, now time.Time) time.Time {
	v := strings.TrimSpace(raw)
	if v == "" {
		return time.Time{}
	}
	v = multiSpaceRe.ReplaceAllString(v, " ")
	v = missingCommaRe.ReplaceAllString(v, "$1, $2")
	v = trailingTZNameRe.ReplaceAllString(v, "$1")
	v = strings.TrimSuffix(v, ";")

	for _, layout := range lastModifiedLayouts {
		t, err := time.Parse(layout, v)
		if err != nil {
			continue
		}
		// Two-digit-year layouts can land in the wrong century.
		if t.Year() < 100 {
			t = t.AddDate(1900, 0, 0)
		}
		if t.Year() < minLastModifiedYear || t.After(now) {
			return time.Time{}
		}
		return t
	}
	return time.Time{}
}

// TimestampOf formats t as a 14-digit archive capture timestamp in UTC.
func TimestampOf(t time.Time) string {
	return t.UTC().Format("20060102150405")
}

// TimeOfTimestamp parses a 14-digit capture timestamp. Returns the zero time
// for malformed input.
func TimeOfTimestamp(ts string) time.Time {
	t, err := time.ParseInLocation("20060102150405", ts, time.UTC)
	if err != nil {
		return time.Time{}
	}
	return t
}

// OldestTimestamp returns the older of the capture timestamp and the origin
// last-modified time, the latter only when it passed validation (>= 1991 and
// not in the future). Both values are 14-digit timestamps; lastModified may
// be empty.
func OldestTimestamp(timestamp, lastModified string) string {
	if lastModified == "" || !ValidTimestamp(lastModified) {
		return timestamp
	}
	if lastModified[:4] < "1991" {
		return timestamp
	}
	if lastModified < timestamp {
		return lastModified
	}
	return timestamp
}
