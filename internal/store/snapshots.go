// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"fmt"
)

const snapshotCols = `s.id, s.parent_id, s.depth, s.state, s.priority, s.is_initial,
	s.is_excluded, s.is_media, s.page_language, s.page_title, s.page_uses_plugins,
	s.media_extension, s.media_title, s.media_author, s.scout_time, s.url,
	s.timestamp, s.last_modified_time, s.url_key, s.digest,
	s.is_sensitive_override, s.options`

const snapshotInfoCols = snapshotCols + `,
	i.points, i.is_sensitive, i.oldest_year, i.url_host`

// InsertSnapshot inserts a snapshot, silently skipping duplicates of either
// natural key: (url, timestamp) and (url, digest). Returns the row id (the
// existing one on a skip) and whether a new row was created.
func InsertSnapshot(ctx context.Context, q queryer, s *Snapshot) (int64, bool, error) {
	if !ValidTimestampArg(s.Timestamp) {
		return 0, false, fmt.Errorf("store: bad timestamp %q", s.Timestamp)
	}
	res, err := q.ExecContext(ctx, `
		INSERT OR IGNORE INTO snapshots
			(parent_id, depth, state, priority, is_initial, is_excluded, is_media,
			 page_language, page_title, page_uses_plugins, media_extension,
			 media_title, media_author, scout_time, url, timestamp,
			 last_modified_time, url_key, digest, is_sensitive_override, options)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ParentID, s.Depth, int(s.State), s.Priority, s.IsInitial, s.IsExcluded,
		s.IsMedia, nullStr(s.PageLanguage), nullStr(s.PageTitle), s.PageUsesPlugins,
		nullStr(s.MediaExtension), nullStr(s.MediaTitle), nullStr(s.MediaAuthor),
		nullStr(s.ScoutTime), s.URL, s.Timestamp, nullStr(s.LastModified),
		s.URLKey, s.Digest, nullBool(s.SensitiveOverride), s.OptionsJSON())
	if err != nil {
		return 0, false, fmt.Errorf("store: insert snapshot: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, false, err
	}
	if n > 0 {
		id, err := res.LastInsertId()
		return id, true, err
	}
	// Duplicate of an existing capture; resolve which row owns the key.
	rows, err := queryMaps(ctx, q, `
		SELECT id FROM snapshots
		WHERE url = ? AND (timestamp = ? OR digest = ?) LIMIT 1`,
		s.URL, s.Timestamp, s.Digest)
	if err != nil {
		return 0, false, err
	}
	if len(rows) == 0 {
		return 0, false, fmt.Errorf("store: duplicate snapshot not found: %s@%s", s.URL, s.Timestamp)
	}
	return rowInt(rows[0], "id"), false, nil
}

// ValidTimestampArg mirrors the archive timestamp shape without importing the
// archive package (the store stays dependency-light below the workers).
func ValidTimestampArg(ts string) bool {
	if len(ts) != 14 {
		return false
	}
	for _, c := range ts {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// GetSnapshot loads one snapshot joined with its derived info columns.
func GetSnapshot(ctx context.Context, q queryer, id int64) (*Snapshot, error) {
	rows, err := queryMaps(ctx, q, `
		SELECT `+snapshotInfoCols+`
		FROM snapshots s JOIN snapshot_info i ON i.snapshot_id = s.id
		WHERE s.id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return SnapshotFromRow(rows[0]), nil
}

// FindSnapshotByCapture finds the row owning a (url, timestamp) capture.
func FindSnapshotByCapture(ctx context.Context, q queryer, url, timestamp string) (*Snapshot, error) {
	rows, err := queryMaps(ctx, q, `
		SELECT `+snapshotInfoCols+`
		FROM snapshots s JOIN snapshot_info i ON i.snapshot_id = s.id
		WHERE s.url = ? AND s.timestamp = ?`, url, timestamp)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return SnapshotFromRow(rows[0]), nil
}

// TransitionState moves a snapshot from one state to another, enforcing the
// allowed transitions. The old state sits in the WHERE clause so a row never
// moves twice under concurrent workers.
func TransitionState(ctx context.Context, q queryer, id int64, from, to State) error {
	if !from.CanTransition(to) {
		return fmt.Errorf("store: illegal transition %s -> %s", from, to)
	}
	res, err := q.ExecContext(ctx,
		`UPDATE snapshots SET state = ? WHERE id = ? AND state = ?`,
		int(to), id, int(from))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("store: snapshot %d not in state %s", id, from)
	}
	return nil
}

// SetPriority stores a bucketed priority with a fresh random tie-break.
func SetPriority(ctx context.Context, q queryer, id int64, p Priority) error {
	_, err := q.ExecContext(ctx,
		`UPDATE snapshots SET priority = ? WHERE id = ?`, p.WithTieBreak(), id)
	return err
}

// ClearPriority zeroes the priority only when it currently sits in the given
// bucket, so a later PUBLISH bump survives a worker clearing its own bucket.
func ClearPriority(ctx context.Context, q queryer, id int64, bucket Priority) error {
	_, err := q.ExecContext(ctx,
		`UPDATE snapshots SET priority = 0
		 WHERE id = ? AND priority / 1000 * 1000 = ?`, id, int(bucket))
	return err
}

// AddTopologyEdge records an observed link. The same child may be discovered
// from several parents; the edge set is the ground truth of the link graph.
func AddTopologyEdge(ctx context.Context, q queryer, parentID, childID int64) error {
	_, err := q.ExecContext(ctx,
		`INSERT OR IGNORE INTO topology (parent_id, child_id) VALUES (?, ?)`,
		parentID, childID)
	return err
}

// ScoutResult carries the metadata the scout writes back on completion.
type ScoutResult struct {
	PageTitle       string
	PageLanguage    string
	PageUsesPlugins bool
}

// MarkScouted finalizes a scout iteration: state, page metadata, scout time,
// and the SCOUT priority cleared if it was set.
func MarkScouted(ctx context.Context, q queryer, id int64, res ScoutResult) error {
	if err := TransitionState(ctx, q, id, StateQueued, StateScouted); err != nil {
		return err
	}
	_, err := q.ExecContext(ctx, `
		UPDATE snapshots
		SET page_title = ?, page_language = ?, page_uses_plugins = ?, scout_time = ?
		WHERE id = ?`,
		nullStr(res.PageTitle), nullStr(res.PageLanguage), res.PageUsesPlugins,
		NowRFC3339(), id)
	if err != nil {
		return err
	}
	return ClearPriority(ctx, q, id, PriorityScout)
}

// MarkMedia flips a mis-labelled page snapshot to a media snapshot in state
// SCOUTED (media is never scouted).
func MarkMedia(ctx context.Context, q queryer, id int64, extension string) error {
	_, err := q.ExecContext(ctx, `
		UPDATE snapshots SET is_media = 1, media_extension = ?, state = ?
		WHERE id = ? AND state = ?`,
		nullStr(extension), int(StateScouted), id, int(StateQueued))
	return err
}

// SetMediaTags stores the title and author probed from a media file.
func SetMediaTags(ctx context.Context, q queryer, id int64, title, author string) error {
	_, err := q.ExecContext(ctx,
		`UPDATE snapshots SET media_title = ?, media_author = ? WHERE id = ?`,
		nullStr(title), nullStr(author), id)
	return err
}

// SetSensitiveOverride stores the human sensitivity verdict; nil clears it.
func SetSensitiveOverride(ctx context.Context, q queryer, id int64, override *bool) error {
	_, err := q.ExecContext(ctx,
		`UPDATE snapshots SET is_sensitive_override = ? WHERE id = ?`,
		nullBool(override), id)
	return err
}

// UpdateSnapshotOptions persists the per-snapshot options bag.
func UpdateSnapshotOptions(ctx context.Context, q queryer, id int64, optionsJSON string) error {
	_, err := q.ExecContext(ctx,
		`UPDATE snapshots SET options = ? WHERE id = ?`, optionsJSON, id)
	return err
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullBool(b *bool) any {
	if b == nil {
		return nil
	}
	return *b
}
