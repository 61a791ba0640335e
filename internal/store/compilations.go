// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"fmt"
)

// InsertCompilation stores a finished compilation and its ordered recording
// memberships in one go.
func InsertCompilation(ctx context.Context, q queryer, filename string, recordingIDs []int64) (int64, error) {
	res, err := q.ExecContext(ctx,
		`INSERT INTO compilations (filename, creation_time) VALUES (?, ?)`,
		filename, NowRFC3339())
	if err != nil {
		return 0, fmt.Errorf("store: insert compilation: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	for pos, recID := range recordingIDs {
		_, err := q.ExecContext(ctx, `
			INSERT INTO recording_compilations (compilation_id, recording_id, position)
			VALUES (?, ?, ?)`, id, recID, pos)
		if err != nil {
			return 0, fmt.Errorf("store: compilation member %d: %w", recID, err)
		}
	}
	return id, nil
}

// RecordingsPublishedBetween returns recordings whose publish_time falls in
// [begin, end], ordered by publish time. Dates are RFC3339 or YYYY-MM-DD.
func RecordingsPublishedBetween(ctx context.Context, q queryer, begin, end string) ([]*Recording, error) {
	rows, err := queryMaps(ctx, q, `
		SELECT `+recordingCols+` FROM recordings r
		WHERE r.publish_time IS NOT NULL
		  AND date(r.publish_time) >= date(?)
		  AND date(r.publish_time) <= date(?)
		ORDER BY r.publish_time ASC`, begin, end)
	if err != nil {
		return nil, err
	}
	out := make([]*Recording, 0, len(rows))
	for _, m := range rows {
		out = append(out, RecordingFromRow(m))
	}
	return out, nil
}

// RecordingByID loads one recording, or nil.
func RecordingByID(ctx context.Context, q queryer, id int64) (*Recording, error) {
	rows, err := queryMaps(ctx, q, `
		SELECT `+recordingCols+` FROM recordings r WHERE r.id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return RecordingFromRow(rows[0]), nil
}

// LatestRecordingForSnapshot returns the newest recording of a snapshot
// regardless of processed state, or nil.
func LatestRecordingForSnapshot(ctx context.Context, q queryer, snapshotID int64) (*Recording, error) {
	rows, err := queryMaps(ctx, q, `
		SELECT `+recordingCols+` FROM recordings r
		WHERE r.snapshot_id = ? ORDER BY r.id DESC LIMIT 1`, snapshotID)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return RecordingFromRow(rows[0]), nil
}
