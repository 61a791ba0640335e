// SPDX-License-Identifier: MIT

package recorder

import (
	"context"
	"errors"
	"net/url"
	"path"
	"regexp"
	"strconv"
	"strings"

	"github.com/oldweb/webtape/internal/archive"
	"github.com/oldweb/webtape/internal/metrics"
	"github.com/oldweb/webtape/internal/store"
)

var trailingNumberRe = regexp.MustCompile(`^(.*?)(\d+)$`)

// neighborURL rewrites the trailing numeric component of a URL's filename
// stem, level3.dat -> level5.dat. Returns "" when the filename has no
// trailing number.
func neighborURL(rawURL string, n int) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	dir, file := path.Split(u.Path)
	ext := path.Ext(file)
	stem := strings.TrimSuffix(file, ext)
	m := trailingNumberRe.FindStringSubmatch(stem)
	if m == nil {
		return ""
	}
	u.Path = dir + m[1] + strconv.Itoa(n) + ext
	return u.String()
}

// trailingNumber extracts the numeric component neighborURL rewrites.
func trailingNumber(rawURL string) (int, bool) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return 0, false
	}
	file := path.Base(u.Path)
	stem := strings.TrimSuffix(file, path.Ext(file))
	m := trailingNumberRe.FindStringSubmatch(stem)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[2])
	if err != nil {
		return 0, false
	}
	return n, true
}

// backfill asks the archive to save every URL the proxy reported missing,
// optionally probing numeric-neighbor filenames around each one. Game levels
// and slideshow frames of the era were numbered files; when level3.dat is
// lost, its siblings often are too, and saving them now means the next
// capture finds them. ErrRateLimited stops the whole run.
func (r *Recorder) backfill(ctx context.Context, rcfg backfillConfig, snapshotID int64, urls []string) []*store.SavedURL {
	var rows []*store.SavedURL
	for _, missing := range urls {
		row, err := r.saveOne(ctx, snapshotID, missing)
		rows = append(rows, row)
		if errors.Is(err, archive.ErrRateLimited) {
			r.logger.Warn().Msg("save endpoint rate limited, stopping backfill")
			return rows
		}
		if !rcfg.Neighbors {
			continue
		}
		n, ok := trailingNumber(missing)
		if !ok {
			continue
		}
		more, limited := r.probeNeighbors(ctx, rcfg, snapshotID, missing, n)
		rows = append(rows, more...)
		if limited {
			return rows
		}
	}
	return rows
}

type backfillConfig struct {
	Neighbors      bool
	MaxConsecutive int
	MaxTotal       int
}

// probeNeighbors saves numbered siblings outward from n in both directions,
// giving up on a direction after MaxConsecutive failures in a row and overall
// after MaxTotal attempts.
func (r *Recorder) probeNeighbors(ctx context.Context, rcfg backfillConfig, snapshotID int64, seedURL string, n int) ([]*store.SavedURL, bool) {
	var rows []*store.SavedURL
	total := 0
	for _, dir := range []int{1, -1} {
		consecutive := 0
		for k := n + dir; consecutive < rcfg.MaxConsecutive && total < rcfg.MaxTotal; k += dir {
			if k < 0 {
				break
			}
			candidate := neighborURL(seedURL, k)
			if candidate == "" {
				break
			}
			total++
			row, err := r.saveOne(ctx, snapshotID, candidate)
			rows = append(rows, row)
			if errors.Is(err, archive.ErrRateLimited) {
				return rows, true
			}
			if row.Failed {
				consecutive++
			} else {
				consecutive = 0
			}
		}
	}
	return rows, false
}

func (r *Recorder) saveOne(ctx context.Context, snapshotID int64, rawURL string) (*store.SavedURL, error) {
	row := &store.SavedURL{SnapshotID: snapshotID, URL: rawURL}
	saved, already, err := r.arch.Save(ctx, rawURL)
	if err != nil {
		row.Failed = true
		metrics.SavedURLsTotal.WithLabelValues("failed").Inc()
		r.logger.Debug().Err(err).Str("url", rawURL).Msg("save failed")
		return row, err
	}
	if snap, ok := archive.ParseSnapshotURL(saved); ok {
		row.Timestamp = snap.Timestamp
	}
	outcome := "saved"
	if already {
		outcome = "already"
	}
	metrics.SavedURLsTotal.WithLabelValues(outcome).Inc()
	return row, nil
}
