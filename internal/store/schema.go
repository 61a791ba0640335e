// SPDX-License-Identifier: MIT

package store

// Schema DDL. Timestamps are stored as 14-digit YYYYMMDDHHMMSS strings so the
// archive's native capture format sorts lexicographically; absolute times
// (creation/publish) are RFC3339 strings.
const schemaDDL = `
CREATE TABLE IF NOT EXISTS snapshots (
    id                    INTEGER PRIMARY KEY AUTOINCREMENT,
    parent_id             INTEGER REFERENCES snapshots(id),
    depth                 INTEGER NOT NULL DEFAULT 0,
    state                 INTEGER NOT NULL DEFAULT 0,
    priority              INTEGER NOT NULL DEFAULT 0,
    is_initial            INTEGER NOT NULL DEFAULT 0,
    is_excluded           INTEGER NOT NULL DEFAULT 0,
    is_media              INTEGER NOT NULL DEFAULT 0,
    page_language         TEXT,
    page_title            TEXT,
    page_uses_plugins     INTEGER NOT NULL DEFAULT 0,
    media_extension       TEXT,
    media_title           TEXT,
    media_author          TEXT,
    scout_time            TEXT,
    url                   TEXT NOT NULL,
    timestamp             TEXT NOT NULL,
    last_modified_time    TEXT,
    url_key               TEXT NOT NULL,
    digest                TEXT NOT NULL,
    is_sensitive_override INTEGER,
    options               TEXT NOT NULL DEFAULT '{}',
    UNIQUE (url, timestamp),
    UNIQUE (url, digest)
);

CREATE INDEX IF NOT EXISTS idx_snapshots_state_priority ON snapshots (state, priority DESC);
CREATE INDEX IF NOT EXISTS idx_snapshots_url_key ON snapshots (url_key);
CREATE INDEX IF NOT EXISTS idx_snapshots_parent ON snapshots (parent_id);

CREATE TABLE IF NOT EXISTS topology (
    parent_id INTEGER NOT NULL REFERENCES snapshots(id),
    child_id  INTEGER NOT NULL REFERENCES snapshots(id),
    PRIMARY KEY (parent_id, child_id)
);

CREATE TABLE IF NOT EXISTS words (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    word         TEXT NOT NULL,
    is_tag       INTEGER NOT NULL DEFAULT 0,
    points       INTEGER NOT NULL DEFAULT 0,
    is_sensitive INTEGER NOT NULL DEFAULT 0,
    UNIQUE (word, is_tag)
);

CREATE TABLE IF NOT EXISTS snapshot_words (
    snapshot_id INTEGER NOT NULL REFERENCES snapshots(id),
    word_id     INTEGER NOT NULL REFERENCES words(id),
    count       INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (snapshot_id, word_id)
);

CREATE TABLE IF NOT EXISTS recordings (
    id                       INTEGER PRIMARY KEY AUTOINCREMENT,
    snapshot_id              INTEGER NOT NULL REFERENCES snapshots(id),
    is_processed             INTEGER NOT NULL DEFAULT 0,
    has_audio                INTEGER NOT NULL DEFAULT 0,
    upload_filename          TEXT NOT NULL,
    archive_filename         TEXT,
    text_to_speech_filename  TEXT,
    creation_time            TEXT NOT NULL,
    publish_time             TEXT,
    twitter_id               TEXT,
    mastodon_id              TEXT,
    tumblr_id                TEXT,
    bluesky_id               TEXT
);

CREATE INDEX IF NOT EXISTS idx_recordings_snapshot ON recordings (snapshot_id, is_processed);

CREATE TABLE IF NOT EXISTS saved_urls (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    snapshot_id  INTEGER NOT NULL REFERENCES snapshots(id),
    recording_id INTEGER REFERENCES recordings(id),
    url          TEXT NOT NULL UNIQUE,
    timestamp    TEXT,
    failed       INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS compilations (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    filename      TEXT NOT NULL,
    creation_time TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS recording_compilations (
    compilation_id INTEGER NOT NULL REFERENCES compilations(id),
    recording_id   INTEGER NOT NULL REFERENCES recordings(id),
    position       INTEGER NOT NULL,
    PRIMARY KEY (compilation_id, position)
);

CREATE TABLE IF NOT EXISTS config (
    name  TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
`

// snapshotInfoView is the derived per-snapshot projection. Queued snapshots
// have NULL points (not scored yet); media snapshots score the configured
// media_points constant; tagged words compound with their counts while plain
// words count at most once each.
const snapshotInfoView = `
CREATE VIEW IF NOT EXISTS snapshot_info AS
SELECT
    s.id AS snapshot_id,
    CAST(CASE
        WHEN s.last_modified_time IS NOT NULL
             AND length(s.last_modified_time) = 14
             AND substr(s.last_modified_time, 1, 4) >= '1991'
            THEN min(substr(s.timestamp, 1, 4), substr(s.last_modified_time, 1, 4))
        ELSE substr(s.timestamp, 1, 4)
    END AS INTEGER) AS oldest_year,
    substr(s.url_key, 1, instr(s.url_key, ')') - 1) AS url_host,
    COALESCE(s.is_sensitive_override,
        EXISTS (SELECT 1 FROM snapshot_words sw JOIN words w ON w.id = sw.word_id
                WHERE sw.snapshot_id = s.id AND w.is_sensitive = 1)) AS is_sensitive,
    CASE
        WHEN s.state = 0 THEN NULL
        WHEN s.is_media THEN
            (SELECT CAST(value AS INTEGER) FROM config WHERE name = 'media_points')
        WHEN EXISTS (SELECT 1 FROM snapshot_words sw JOIN words w ON w.id = sw.word_id
                     WHERE sw.snapshot_id = s.id AND w.is_tag = 1) THEN
            (SELECT SUM(sw.count * w.points) FROM snapshot_words sw JOIN words w ON w.id = sw.word_id
             WHERE sw.snapshot_id = s.id AND w.is_tag = 1)
        ELSE
            (SELECT SUM(min(sw.count, 1) * w.points) FROM snapshot_words sw JOIN words w ON w.id = sw.word_id
             WHERE sw.snapshot_id = s.id AND w.is_tag = 0)
    END AS points
FROM snapshots s;
`
