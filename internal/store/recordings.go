// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"fmt"
)

const recordingCols = `r.id, r.snapshot_id, r.is_processed, r.has_audio,
	r.upload_filename, r.archive_filename, r.text_to_speech_filename,
	r.creation_time, r.publish_time, r.twitter_id, r.mastodon_id,
	r.tumblr_id, r.bluesky_id`

// InsertRecording stores a finished capture. The snapshot must already be in
// a recorded-or-later state when the surrounding transaction commits.
func InsertRecording(ctx context.Context, q queryer, r *Recording) (int64, error) {
	if r.CreationTime == "" {
		r.CreationTime = NowRFC3339()
	}
	res, err := q.ExecContext(ctx, `
		INSERT INTO recordings
			(snapshot_id, is_processed, has_audio, upload_filename,
			 archive_filename, text_to_speech_filename, creation_time)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.SnapshotID, r.IsProcessed, r.HasAudio, r.UploadFilename,
		nullStr(r.ArchiveFile), nullStr(r.NarrationFile), r.CreationTime)
	if err != nil {
		return 0, fmt.Errorf("store: insert recording: %w", err)
	}
	return res.LastInsertId()
}

// SetRecordingFiles stores the final artifact names of a recording. Names
// derive from the recording id, so they are written in a second step after
// the insert assigned one.
func SetRecordingFiles(ctx context.Context, q queryer, id int64, upload, archive, narration string) error {
	_, err := q.ExecContext(ctx, `
		UPDATE recordings
		SET upload_filename = ?, archive_filename = ?, text_to_speech_filename = ?
		WHERE id = ?`,
		upload, nullStr(archive), nullStr(narration), id)
	return err
}

// LatestUnprocessedRecording returns the newest unprocessed recording of a
// snapshot, or nil. The same snapshot may have several recordings; only the
// latest is ever published.
func LatestUnprocessedRecording(ctx context.Context, q queryer, snapshotID int64) (*Recording, error) {
	rows, err := queryMaps(ctx, q, `
		SELECT `+recordingCols+` FROM recordings r
		WHERE r.snapshot_id = ? AND r.is_processed = 0
		ORDER BY r.id DESC LIMIT 1`, snapshotID)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return RecordingFromRow(rows[0]), nil
}

// MarkRecordingPublished stamps the publish metadata on one recording and
// marks every recording of the snapshot processed, so earlier unpublished
// takes never surface again.
func MarkRecordingPublished(ctx context.Context, q queryer, rec *Recording) error {
	_, err := q.ExecContext(ctx, `
		UPDATE recordings
		SET is_processed = 1, publish_time = ?, twitter_id = ?, mastodon_id = ?,
		    tumblr_id = ?, bluesky_id = ?
		WHERE id = ?`,
		NowRFC3339(), nullStr(rec.TwitterID), nullStr(rec.MastodonID),
		nullStr(rec.TumblrID), nullStr(rec.BlueskyID), rec.ID)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx,
		`UPDATE recordings SET is_processed = 1 WHERE snapshot_id = ?`, rec.SnapshotID)
	return err
}

// MarkRecordingProcessed retires a single recording without publishing it
// (reject and record-again verdicts).
func MarkRecordingProcessed(ctx context.Context, q queryer, recordingID int64) error {
	_, err := q.ExecContext(ctx,
		`UPDATE recordings SET is_processed = 1 WHERE id = ?`, recordingID)
	return err
}

// InsertSavedURL records one missing-asset backfill attempt. The URL is
// unique across the whole log; repeats are ignored.
func InsertSavedURL(ctx context.Context, q queryer, su *SavedURL) error {
	_, err := q.ExecContext(ctx, `
		INSERT OR IGNORE INTO saved_urls (snapshot_id, recording_id, url, timestamp, failed)
		VALUES (?, ?, ?, ?, ?)`,
		su.SnapshotID, su.RecordingID, su.URL, nullStr(su.Timestamp), su.Failed)
	return err
}

// FailedSavedURLs lists backfill requests that errored, oldest first, for the
// save command to retry.
func FailedSavedURLs(ctx context.Context, q queryer) ([]*SavedURL, error) {
	rows, err := queryMaps(ctx, q, `
		SELECT id, snapshot_id, recording_id, url, timestamp, failed
		FROM saved_urls WHERE failed = 1 ORDER BY id`)
	if err != nil {
		return nil, err
	}
	out := make([]*SavedURL, 0, len(rows))
	for _, m := range rows {
		out = append(out, &SavedURL{
			ID:          rowInt(m, "id"),
			SnapshotID:  rowInt(m, "snapshot_id"),
			RecordingID: rowIntPtr(m, "recording_id"),
			URL:         rowStr(m, "url"),
			Timestamp:   rowStr(m, "timestamp"),
			Failed:      rowBool(m, "failed"),
		})
	}
	return out, nil
}

// MarkSavedURLSaved clears the failed flag after a successful retry.
func MarkSavedURLSaved(ctx context.Context, q queryer, id int64) error {
	_, err := q.ExecContext(ctx, `UPDATE saved_urls SET failed = 0 WHERE id = ?`, id)
	return err
}

// DaysSincePublish returns the days since the snapshot's newest publish_time,
// or -1 when it never published.
func DaysSincePublish(ctx context.Context, q queryer, snapshotID int64) (int, error) {
	rows, err := queryMaps(ctx, q, `
		SELECT CAST(julianday('now') - julianday(MAX(publish_time)) AS INTEGER) AS days
		FROM recordings WHERE snapshot_id = ? AND publish_time IS NOT NULL`, snapshotID)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 || rows[0]["days"] == nil {
		return -1, nil
	}
	return int(rowInt(rows[0], "days")), nil
}
