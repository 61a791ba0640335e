// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"database/sql"
	"fmt"
)

// Stats is a point-in-time summary of the pipeline.
type Stats struct {
	SnapshotsByState    map[State]int64
	SnapshotsByPriority map[Priority]int64
	MediaSnapshots      int64
	ExcludedSnapshots   int64
	Recordings          int64
	PublishedRecordings int64
	SavedURLs           int64
	FailedSavedURLs     int64
	Compilations        int64
	Words               int64
	TopologyEdges       int64
}

// CollectStats gathers the summary counters for the stats command.
func (s *Store) CollectStats(ctx context.Context) (*Stats, error) {
	st := &Stats{
		SnapshotsByState:    make(map[State]int64),
		SnapshotsByPriority: make(map[Priority]int64),
	}
	rows, err := queryMaps(ctx, s.db,
		`SELECT state, COUNT(*) AS n FROM snapshots GROUP BY state`)
	if err != nil {
		return nil, err
	}
	for _, m := range rows {
		st.SnapshotsByState[State(rowInt(m, "state"))] = rowInt(m, "n")
	}
	rows, err = queryMaps(ctx, s.db,
		`SELECT priority / 1000 * 1000 AS bucket, COUNT(*) AS n FROM snapshots GROUP BY bucket`)
	if err != nil {
		return nil, err
	}
	for _, m := range rows {
		st.SnapshotsByPriority[Priority(rowInt(m, "bucket"))] = rowInt(m, "n")
	}
	singles := []struct {
		dst   *int64
		query string
	}{
		{&st.MediaSnapshots, `SELECT COUNT(*) AS n FROM snapshots WHERE is_media = 1`},
		{&st.ExcludedSnapshots, `SELECT COUNT(*) AS n FROM snapshots WHERE is_excluded = 1`},
		{&st.Recordings, `SELECT COUNT(*) AS n FROM recordings`},
		{&st.PublishedRecordings, `SELECT COUNT(*) AS n FROM recordings WHERE publish_time IS NOT NULL`},
		{&st.SavedURLs, `SELECT COUNT(*) AS n FROM saved_urls`},
		{&st.FailedSavedURLs, `SELECT COUNT(*) AS n FROM saved_urls WHERE failed = 1`},
		{&st.Compilations, `SELECT COUNT(*) AS n FROM compilations`},
		{&st.Words, `SELECT COUNT(*) AS n FROM words`},
		{&st.TopologyEdges, `SELECT COUNT(*) AS n FROM topology`},
	}
	for _, single := range singles {
		rows, err := queryMaps(ctx, s.db, single.query)
		if err != nil {
			return nil, err
		}
		if len(rows) == 1 {
			*single.dst = rowInt(rows[0], "n")
		}
	}
	return st, nil
}

// Trace walks the parent breadcrumb chain from a snapshot up to its seed,
// returning the path root-first.
func (s *Store) Trace(ctx context.Context, id int64) ([]*Snapshot, error) {
	var chain []*Snapshot
	seen := make(map[int64]bool)
	for {
		if seen[id] {
			return nil, fmt.Errorf("store: parent cycle at snapshot %d", id)
		}
		seen[id] = true
		snap, err := GetSnapshot(ctx, s.db, id)
		if err != nil {
			return nil, err
		}
		if snap == nil {
			break
		}
		chain = append([]*Snapshot{snap}, chain...)
		if snap.ParentID == nil {
			break
		}
		id = *snap.ParentID
	}
	return chain, nil
}

// NextScouts previews the scout queue order: the first n queued snapshots in
// pick order, without mutating anything.
func (s *Store) NextScouts(ctx context.Context, n int, f ScoutFilter, offset *float64) ([]*Snapshot, error) {
	var offsetArg any
	if offset != nil {
		offsetArg = *offset
	}
	rows, err := queryMaps(ctx, s.db, `
		SELECT `+snapshotInfoCols+`
		FROM snapshots s
		JOIN snapshot_info i ON i.snapshot_id = s.id
		LEFT JOIN snapshot_info pi ON pi.snapshot_id = s.parent_id
		WHERE s.state = ?
		  AND s.is_media = 0
		  AND s.is_excluded = 0
		  AND is_url_key_allowed(s.url_key)
		  AND s.depth <= ?
		ORDER BY s.priority DESC,
		         CASE WHEN s.depth <= ? THEN 0 ELSE 1 END ASC,
		         rank_snapshot_by_points(pi.points, ?) DESC
		LIMIT ?`,
		int(StateQueued), f.MaxDepth, f.MaxRequiredDepth, offsetArg, n)
	if err != nil {
		return nil, err
	}
	out := make([]*Snapshot, 0, len(rows))
	for _, m := range rows {
		out = append(out, SnapshotFromRow(m))
	}
	return out, nil
}

// CleanupOptions selects what the explicit cleanup command removes. Nothing
// is deleted during normal pipeline operation.
type CleanupOptions struct {
	Unapproved bool // rejected/aborted/invalid snapshots and their artifacts
	Compiled   bool // recordings referenced only by compilations already written
	Temporary  bool // saved-url rows marked failed
}

// Cleanup applies the requested deletions and returns filenames whose disk
// artifacts the caller should remove.
func (s *Store) Cleanup(ctx context.Context, opts CleanupOptions) ([]string, error) {
	var orphanedFiles []string
	err := s.txCleanup(ctx, opts, &orphanedFiles)
	return orphanedFiles, err
}

func (s *Store) txCleanup(ctx context.Context, opts CleanupOptions, files *[]string) error {
	return s.Tx(ctx, func(tx *sql.Tx) error {
		if opts.Unapproved {
			rows, err := queryMaps(ctx, tx, `
				SELECT r.upload_filename, r.archive_filename, r.text_to_speech_filename
				FROM recordings r JOIN snapshots s ON s.id = r.snapshot_id
				WHERE s.state IN (?, ?, ?) AND r.publish_time IS NULL
				  AND r.id NOT IN (SELECT recording_id FROM recording_compilations)`,
				int(StateRejected), int(StateAborted), int(StateInvalid))
			if err != nil {
				return err
			}
			for _, m := range rows {
				for _, col := range []string{"upload_filename", "archive_filename", "text_to_speech_filename"} {
					if f := rowStr(m, col); f != "" {
						*files = append(*files, f)
					}
				}
			}
			_, err = tx.ExecContext(ctx, `
				DELETE FROM saved_urls WHERE recording_id IN (
					SELECT r.id FROM recordings r JOIN snapshots s ON s.id = r.snapshot_id
					WHERE s.state IN (?, ?, ?) AND r.publish_time IS NULL
					  AND r.id NOT IN (SELECT recording_id FROM recording_compilations))`,
				int(StateRejected), int(StateAborted), int(StateInvalid))
			if err != nil {
				return err
			}
			_, err = tx.ExecContext(ctx, `
				DELETE FROM recordings WHERE id IN (
					SELECT r.id FROM recordings r JOIN snapshots s ON s.id = r.snapshot_id
					WHERE s.state IN (?, ?, ?) AND r.publish_time IS NULL
					  AND r.id NOT IN (SELECT recording_id FROM recording_compilations))`,
				int(StateRejected), int(StateAborted), int(StateInvalid))
			if err != nil {
				return err
			}
		}
		if opts.Compiled {
			// Published recordings that already live inside a compilation no
			// longer need their standalone upload files. Rows stay: a
			// recording referenced by a compilation membership is never
			// deleted.
			rows, err := queryMaps(ctx, tx, `
				SELECT DISTINCT r.upload_filename FROM recordings r
				JOIN recording_compilations rc ON rc.recording_id = r.id
				WHERE r.publish_time IS NOT NULL`)
			if err != nil {
				return err
			}
			for _, m := range rows {
				if f := rowStr(m, "upload_filename"); f != "" {
					*files = append(*files, f)
				}
			}
		}
		if opts.Temporary {
			if _, err := tx.ExecContext(ctx, `DELETE FROM saved_urls WHERE failed = 1`); err != nil {
				return err
			}
		}
		return nil
	})
}
