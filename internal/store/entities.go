// SPDX-License-Identifier: MIT

package store

import (
	"encoding/json"
	"time"
)

// Snapshot is one archived capture of a URL at a timestamp. When loaded
// through the snapshot_info view the derived fields (Points, IsSensitive,
// OldestYear, URLHost) are populated as well; otherwise they stay at their
// zero values.
type Snapshot struct {
	ID              int64
	ParentID        *int64
	Depth           int
	State           State
	Priority        int
	IsInitial       bool
	IsExcluded      bool
	IsMedia         bool
	PageLanguage    string
	PageTitle       string
	PageUsesPlugins bool
	MediaExtension  string
	MediaTitle      string
	MediaAuthor     string
	ScoutTime       string
	URL             string
	Timestamp       string // 14-digit YYYYMMDDHHMMSS
	LastModified    string // 14-digit or empty
	URLKey          string
	Digest          string
	// Three-valued: nil means no override, follow the word-derived flag.
	SensitiveOverride *bool
	Options           map[string]any

	// Derived view columns.
	Points      *float64
	IsSensitive bool
	OldestYear  int
	URLHost     string
}

// SnapshotFromRow builds a Snapshot from a column map, ignoring unknown keys.
// Extra columns from joined views attach to the derived fields.
func SnapshotFromRow(m map[string]any) *Snapshot {
	s := &Snapshot{
		ID:              rowInt(m, "id"),
		ParentID:        rowIntPtr(m, "parent_id"),
		Depth:           int(rowInt(m, "depth")),
		State:           State(rowInt(m, "state")),
		Priority:        int(rowInt(m, "priority")),
		IsInitial:       rowBool(m, "is_initial"),
		IsExcluded:      rowBool(m, "is_excluded"),
		IsMedia:         rowBool(m, "is_media"),
		PageLanguage:    rowStr(m, "page_language"),
		PageTitle:       rowStr(m, "page_title"),
		PageUsesPlugins: rowBool(m, "page_uses_plugins"),
		MediaExtension:  rowStr(m, "media_extension"),
		MediaTitle:      rowStr(m, "media_title"),
		MediaAuthor:     rowStr(m, "media_author"),
		ScoutTime:       rowStr(m, "scout_time"),
		URL:             rowStr(m, "url"),
		Timestamp:       rowStr(m, "timestamp"),
		LastModified:    rowStr(m, "last_modified_time"),
		URLKey:          rowStr(m, "url_key"),
		Digest:          rowStr(m, "digest"),
		IsSensitive:     rowBool(m, "is_sensitive"),
		OldestYear:      int(rowInt(m, "oldest_year")),
		URLHost:         rowStr(m, "url_host"),
	}
	if v, ok := m["is_sensitive_override"]; ok && v != nil {
		b := rowBool(m, "is_sensitive_override")
		s.SensitiveOverride = &b
	}
	if v, ok := m["points"]; ok && v != nil {
		p := rowFloat(m, "points")
		s.Points = &p
	}
	if raw := rowStr(m, "options"); raw != "" {
		var opts map[string]any
		if err := json.Unmarshal([]byte(raw), &opts); err == nil {
			s.Options = opts
		}
	}
	return s
}

// OptionsJSON renders the options bag for storage; "{}" when empty.
func (s *Snapshot) OptionsJSON() string {
	if len(s.Options) == 0 {
		return "{}"
	}
	b, err := json.Marshal(s.Options)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// Word is one vocabulary entry; (word, is_tag) is unique.
type Word struct {
	ID          int64
	Word        string
	IsTag       bool
	Points      int
	IsSensitive bool
}

// WordFromRow builds a Word from a column map.
func WordFromRow(m map[string]any) *Word {
	return &Word{
		ID:          rowInt(m, "id"),
		Word:        rowStr(m, "word"),
		IsTag:       rowBool(m, "is_tag"),
		Points:      int(rowInt(m, "points")),
		IsSensitive: rowBool(m, "is_sensitive"),
	}
}

// Recording is one finished capture of a snapshot. At most one unprocessed
// recording per snapshot is eligible for publishing at a time.
type Recording struct {
	ID             int64
	SnapshotID     int64
	IsProcessed    bool
	HasAudio       bool
	UploadFilename string
	ArchiveFile    string
	NarrationFile  string
	CreationTime   string // RFC3339
	PublishTime    string // RFC3339 or empty
	TwitterID      string
	MastodonID     string
	TumblrID       string
	BlueskyID      string
}

// RecordingFromRow builds a Recording from a column map.
func RecordingFromRow(m map[string]any) *Recording {
	return &Recording{
		ID:             rowInt(m, "id"),
		SnapshotID:     rowInt(m, "snapshot_id"),
		IsProcessed:    rowBool(m, "is_processed"),
		HasAudio:       rowBool(m, "has_audio"),
		UploadFilename: rowStr(m, "upload_filename"),
		ArchiveFile:    rowStr(m, "archive_filename"),
		NarrationFile:  rowStr(m, "text_to_speech_filename"),
		CreationTime:   rowStr(m, "creation_time"),
		PublishTime:    rowStr(m, "publish_time"),
		TwitterID:      rowStr(m, "twitter_id"),
		MastodonID:     rowStr(m, "mastodon_id"),
		TumblrID:       rowStr(m, "tumblr_id"),
		BlueskyID:      rowStr(m, "bluesky_id"),
	}
}

// SavedURL is one missing-asset backfill request made during a recording.
type SavedURL struct {
	ID          int64
	SnapshotID  int64
	RecordingID *int64
	URL         string
	Timestamp   string
	Failed      bool
}

// Compilation is a concatenated video of many recordings.
type Compilation struct {
	ID           int64
	Filename     string
	CreationTime string
}

// NowRFC3339 formats the current UTC time the way the store records absolute
// times.
func NowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// Row map accessors. SQLite hands back int64/float64/string/[]byte/nil.

func rowInt(m map[string]any, key string) int64 {
	switch v := m[key].(type) {
	case int64:
		return v
	case float64:
		return int64(v)
	default:
		return 0
	}
}

func rowIntPtr(m map[string]any, key string) *int64 {
	if v, ok := m[key].(int64); ok {
		return &v
	}
	return nil
}

func rowFloat(m map[string]any, key string) float64 {
	switch v := m[key].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	default:
		return 0
	}
}

func rowStr(m map[string]any, key string) string {
	switch v := m[key].(type) {
	case string:
		return v
	case []byte:
		return string(v)
	default:
		return ""
	}
}

func rowBool(m map[string]any, key string) bool {
	return rowInt(m, key) != 0
}
