// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"fmt"
)

// VocabEntry is one configured vocabulary word or tag.
type VocabEntry struct {
	Word        string
	IsTag       bool
	Points      int
	IsSensitive bool
}

// UpsertVocabulary refreshes the words table from config. Existing rows keep
// their ids (snapshot_words references stay intact); points and sensitivity
// follow the config.
func UpsertVocabulary(ctx context.Context, q queryer, entries []VocabEntry) error {
	for _, e := range entries {
		_, err := q.ExecContext(ctx, `
			INSERT INTO words (word, is_tag, points, is_sensitive)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (word, is_tag) DO UPDATE
			SET points = excluded.points, is_sensitive = excluded.is_sensitive`,
			e.Word, e.IsTag, e.Points, e.IsSensitive)
		if err != nil {
			return fmt.Errorf("store: upsert word %q: %w", e.Word, err)
		}
	}
	return nil
}

// DeleteOrphanWords removes words that dropped out of the config, are not
// referenced by any snapshot, and carry only default attributes.
func DeleteOrphanWords(ctx context.Context, q queryer, configured []VocabEntry) error {
	keep := make(map[string]bool, len(configured))
	for _, e := range configured {
		keep[wordKey(e.Word, e.IsTag)] = true
	}
	rows, err := queryMaps(ctx, q, `
		SELECT id, word, is_tag FROM words
		WHERE points = 0 AND is_sensitive = 0
		  AND id NOT IN (SELECT word_id FROM snapshot_words)`)
	if err != nil {
		return err
	}
	for _, m := range rows {
		if keep[wordKey(rowStr(m, "word"), rowBool(m, "is_tag"))] {
			continue
		}
		if _, err := q.ExecContext(ctx, `DELETE FROM words WHERE id = ?`, rowInt(m, "id")); err != nil {
			return err
		}
	}
	return nil
}

func wordKey(word string, isTag bool) string {
	if isTag {
		return "#" + word
	}
	return word
}

// WordCount is one (word, is_tag) observation with its occurrence count.
type WordCount struct {
	Word  string
	IsTag bool
	Count int
}

// ReplaceSnapshotWords rewrites the bag-of-words of a snapshot. Old rows are
// deleted first so a re-scout is idempotent. Only words present in the
// vocabulary get rows; unknown page tokens are not recorded.
func ReplaceSnapshotWords(ctx context.Context, q queryer, snapshotID int64, counts []WordCount) error {
	if _, err := q.ExecContext(ctx,
		`DELETE FROM snapshot_words WHERE snapshot_id = ?`, snapshotID); err != nil {
		return err
	}
	for _, wc := range counts {
		if wc.Count <= 0 {
			continue
		}
		_, err := q.ExecContext(ctx, `
			INSERT INTO snapshot_words (snapshot_id, word_id, count)
			SELECT ?, id, ? FROM words WHERE word = ? AND is_tag = ?`,
			snapshotID, wc.Count, wc.Word, wc.IsTag)
		if err != nil {
			return fmt.Errorf("store: snapshot word %q: %w", wc.Word, err)
		}
	}
	return nil
}

// Vocabulary loads the whole words table, for the scout's matcher.
func Vocabulary(ctx context.Context, q queryer) ([]*Word, error) {
	rows, err := queryMaps(ctx, q, `SELECT id, word, is_tag, points, is_sensitive FROM words`)
	if err != nil {
		return nil, err
	}
	out := make([]*Word, 0, len(rows))
	for _, m := range rows {
		out = append(out, WordFromRow(m))
	}
	return out, nil
}
