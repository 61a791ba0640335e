// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oldweb/webtape/internal/config"
	"github.com/oldweb/webtape/internal/store"
)

func TestParseCount(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		fallback int
		want     int
		wantErr  bool
	}{
		{name: "absent uses fallback", args: nil, fallback: 10, want: 10},
		{name: "explicit", args: []string{"3"}, fallback: 10, want: 3},
		{name: "zero is unbounded", args: []string{"0"}, fallback: 10, want: 0},
		{name: "negative", args: []string{"-1"}, wantErr: true},
		{name: "garbage", args: []string{"many"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseCount(tt.args, tt.fallback)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNewAppSyncsMediaPoints(t *testing.T) {
	cfg := config.Default()
	cfg.Database.Path = filepath.Join(t.TempDir(), "app.db")

	a, err := newApp(&cfg)
	require.NoError(t, err)
	t.Cleanup(a.Close)

	ctx := context.Background()
	var id int64
	err = a.store.Tx(ctx, func(tx *sql.Tx) error {
		var err error
		id, _, err = store.InsertSnapshot(ctx, tx, &store.Snapshot{
			State:          store.StateScouted,
			IsMedia:        true,
			MediaExtension: "mid",
			URL:            "http://example.com/theme.mid",
			Timestamp:      "19970612000000",
			URLKey:         "com,example)/theme.mid",
			Digest:         "MID",
		})
		return err
	})
	require.NoError(t, err)

	snap, err := store.GetSnapshot(ctx, a.store.DB(), id)
	require.NoError(t, err)
	require.NotNil(t, snap.Points, "media snapshots must score the configured constant")
	assert.Equal(t, float64(cfg.Archive.MediaPoints), *snap.Points)
}

func TestOptionFlagsParse(t *testing.T) {
	o := optionFlags{}
	require.NoError(t, o.Set("narrate=true"))
	require.NoError(t, o.Set("min_duration=30"))
	require.NoError(t, o.Set("sync_fix=audio"))
	require.Error(t, o.Set("garbage"))
	assert.Equal(t, true, o["narrate"])
	assert.Equal(t, 30.0, o["min_duration"])
	assert.Equal(t, "audio", o["sync_fix"])
}

func TestRunEnqueueStoresValidatedOptions(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/cdx" {
			fmt.Fprintln(w, "http://example.com/ 19970612000000 200 text/html DIGEST1")
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := config.Default()
	cfg.Database.Path = filepath.Join(t.TempDir(), "enqueue.db")
	cfg.Archive.WebHost = srv.URL
	cfg.Archive.CDXHost = srv.URL + "/cdx"
	cfg.Archive.SaveHost = srv.URL + "/save"

	a, err := newApp(&cfg)
	require.NoError(t, err)
	t.Cleanup(a.Close)

	ctx := context.Background()
	err = a.runEnqueue(ctx, []string{
		"-option", "narrate=true", "-option", "min_duration=30",
		"scout", "http://example.com/", "19970612000000",
	})
	require.NoError(t, err)

	snap, err := store.FindSnapshotByCapture(ctx, a.store.DB(), "http://example.com/", "19970612000000")
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, true, snap.Options["narrate"])
	assert.Equal(t, 30.0, snap.Options["min_duration"])

	err = a.runEnqueue(ctx, []string{"-option", "frobnicate=1", "scout", "http://example.com/"})
	require.Error(t, err, "unknown option keys are rejected before anything is queued")
}

func TestRunConfigCmd(t *testing.T) {
	cfg := config.Default()
	assert.Equal(t, 0, runConfigCmd(&cfg, nil))
	assert.Equal(t, 0, runConfigCmd(&cfg, []string{"validate"}))
	assert.Equal(t, 2, runConfigCmd(&cfg, []string{"frobnicate"}))
}
