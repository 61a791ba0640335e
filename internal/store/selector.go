// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"strings"
)

// Selector evaluates the per-worker pick queries inside the store. Every pick
// returns at most one snapshot per worker iteration, or nil when the queue
// for that worker is empty.
type Selector struct {
	store *Store
	// RankOffset biases the weighted-random ordering; nil draws uniformly.
	RankOffset *float64
}

// NewSelector builds a Selector bound to the store.
func NewSelector(s *Store, rankOffset *float64) *Selector {
	return &Selector{store: s, RankOffset: rankOffset}
}

func (sel *Selector) offsetArg() any {
	if sel.RankOffset == nil {
		return nil
	}
	return *sel.RankOffset
}

// ScoutFilter narrows what the scout may pick next.
type ScoutFilter struct {
	MaxDepth         int
	MaxRequiredDepth int // shallow links up to this depth go first
	MinYear          int // 0 disables
	MaxYear          int // 0 disables
}

// ScoutPick returns the next queued page snapshot to walk: host allowed, not
// media, not excluded, within depth and year bounds. Priority wins outright;
// within a priority the step function prefers shallow links, then children of
// high-scoring parents.
func (sel *Selector) ScoutPick(ctx context.Context, f ScoutFilter) (*Snapshot, error) {
	rows, err := queryMaps(ctx, sel.store.db, `
		SELECT `+snapshotInfoCols+`
		FROM snapshots s
		JOIN snapshot_info i ON i.snapshot_id = s.id
		LEFT JOIN snapshot_info pi ON pi.snapshot_id = s.parent_id
		WHERE s.state = ?
		  AND s.is_media = 0
		  AND s.is_excluded = 0
		  AND is_url_key_allowed(s.url_key)
		  AND s.depth <= ?
		  AND (? = 0 OR i.oldest_year >= ?)
		  AND (? = 0 OR i.oldest_year <= ?)
		ORDER BY s.priority DESC,
		         CASE WHEN s.depth <= ? THEN 0 ELSE 1 END ASC,
		         rank_snapshot_by_points(pi.points, ?) DESC
		LIMIT 1`,
		int(StateQueued), f.MaxDepth,
		f.MinYear, f.MinYear, f.MaxYear, f.MaxYear,
		f.MaxRequiredDepth, sel.offsetArg())
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return SnapshotFromRow(rows[0]), nil
}

// RecordFilter narrows what the recorder may pick next.
type RecordFilter struct {
	MinYear               int
	MaxYear               int
	MediaExtensions       []string // allow-list for media snapshots; empty allows none
	MinRecordingsSameHost int      // recordings that must pass between same-host picks
	MinPublishDays        int      // cooldown before re-recording a published URL
	AllowSensitive        bool
}

// RecordPick returns the next snapshot to capture. Scouted snapshots are the
// normal feed; published ones re-enter after the cooldown. Rows whose
// priority reaches the RECORD bucket bypass the age, host-recency and
// sensitivity filters.
func (sel *Selector) RecordPick(ctx context.Context, f RecordFilter) (*Snapshot, error) {
	extList := "''"
	if len(f.MediaExtensions) > 0 {
		quoted := make([]string, len(f.MediaExtensions))
		for i, e := range f.MediaExtensions {
			quoted[i] = "'" + strings.ReplaceAll(strings.ToLower(e), "'", "") + "'"
		}
		extList = strings.Join(quoted, ",")
	}
	rows, err := queryMaps(ctx, sel.store.db, `
		SELECT `+snapshotInfoCols+`
		FROM snapshots s
		JOIN snapshot_info i ON i.snapshot_id = s.id
		WHERE (
		    s.state = ?
		    OR (s.state = ? AND ? >= 0 AND COALESCE((
		        SELECT CAST(julianday('now') - julianday(MAX(r.publish_time)) AS INTEGER)
		        FROM recordings r
		        WHERE r.snapshot_id = s.id AND r.publish_time IS NOT NULL), ?) >= ?)
		  )
		  AND s.is_excluded = 0
		  AND is_url_key_allowed(s.url_key)
		  AND (s.is_media = 0 OR lower(COALESCE(s.media_extension, '')) IN (`+extList+`))
		  AND (
		    s.priority >= ?
		    OR (
		      (? = 0 OR i.oldest_year >= ?)
		      AND (? = 0 OR i.oldest_year <= ?)
		      AND (? = 1 OR i.is_sensitive = 0)
		      AND (
		        (SELECT MAX(r3.id)
		         FROM recordings r3
		         JOIN snapshot_info i3 ON i3.snapshot_id = r3.snapshot_id
		         WHERE i3.url_host = i.url_host) IS NULL
		        OR (
		          SELECT COUNT(*) FROM recordings r2
		          WHERE r2.id > (
		            SELECT MAX(r3.id)
		            FROM recordings r3
		            JOIN snapshot_info i3 ON i3.snapshot_id = r3.snapshot_id
		            WHERE i3.url_host = i.url_host)
		        ) >= ?
		      )
		    )
		  )
		ORDER BY s.priority DESC,
		         rank_snapshot_by_points(i.points, ?) DESC
		LIMIT 1`,
		int(StateScouted),
		int(StatePublished), f.MinPublishDays, f.MinPublishDays, f.MinPublishDays,
		int(PriorityRecord),
		f.MinYear, f.MinYear, f.MaxYear, f.MaxYear,
		boolArg(f.AllowSensitive),
		f.MinRecordingsSameHost,
		sel.offsetArg())
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return SnapshotFromRow(rows[0]), nil
}

// PublishPick returns the next snapshot+recording pair to post. When
// approval is required only approved snapshots qualify; otherwise recorded
// ones publish directly.
func (sel *Selector) PublishPick(ctx context.Context, requireApproval bool) (*Snapshot, *Recording, error) {
	states := []any{int(StateApproved), int(StateApproved)}
	if !requireApproval {
		states[1] = int(StateRecorded)
	}
	return sel.pickWithRecording(ctx, `
		SELECT `+snapshotInfoCols+`
		FROM snapshots s
		JOIN snapshot_info i ON i.snapshot_id = s.id
		JOIN recordings r ON r.snapshot_id = s.id
		WHERE s.state IN (?, ?)
		  AND r.is_processed = 0
		  AND r.id = (SELECT MAX(r2.id) FROM recordings r2
		              WHERE r2.snapshot_id = s.id AND r2.is_processed = 0)
		ORDER BY s.priority DESC, r.creation_time ASC
		LIMIT 1`, states...)
}

// ApprovePick returns the next recorded snapshot awaiting a human verdict.
func (sel *Selector) ApprovePick(ctx context.Context) (*Snapshot, *Recording, error) {
	return sel.pickWithRecording(ctx, `
		SELECT `+snapshotInfoCols+`
		FROM snapshots s
		JOIN snapshot_info i ON i.snapshot_id = s.id
		JOIN recordings r ON r.snapshot_id = s.id
		WHERE s.state = ?
		  AND r.is_processed = 0
		  AND r.id = (SELECT MAX(r2.id) FROM recordings r2
		              WHERE r2.snapshot_id = s.id AND r2.is_processed = 0)
		ORDER BY s.priority DESC, r.creation_time ASC
		LIMIT 1`, int(StateRecorded))
}

func (sel *Selector) pickWithRecording(ctx context.Context, query string, args ...any) (*Snapshot, *Recording, error) {
	rows, err := queryMaps(ctx, sel.store.db, query, args...)
	if err != nil {
		return nil, nil, err
	}
	if len(rows) == 0 {
		return nil, nil, nil
	}
	snap := SnapshotFromRow(rows[0])
	rec, err := LatestUnprocessedRecording(ctx, sel.store.db, snap.ID)
	if err != nil {
		return nil, nil, err
	}
	return snap, rec, nil
}

func boolArg(b bool) int {
	if b {
		return 1
	}
	return 0
}
