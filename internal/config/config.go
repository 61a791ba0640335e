// SPDX-License-Identifier: MIT

// Package config loads the single JSON or YAML configuration document with
// one section per worker, layered as defaults < file < WEBTAPE_ environment
// overrides.
package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	koanfjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/oldweb/webtape/internal/store"
)

// EnvPrefix is the prefix of environment overrides. Section and key are
// separated by a double underscore: WEBTAPE_SCOUT__MAX_DEPTH=4.
const EnvPrefix = "WEBTAPE_"

// Config is the whole configuration document.
type Config struct {
	Database   DatabaseConfig   `koanf:"database"`
	Paths      PathsConfig      `koanf:"paths"`
	Archive    ArchiveConfig    `koanf:"archive"`
	Scout      ScoutConfig      `koanf:"scout"`
	Record     RecordConfig     `koanf:"record"`
	Approve    ApproveConfig    `koanf:"approve"`
	Publish    PublishConfig    `koanf:"publish"`
	Compile    CompileConfig    `koanf:"compile"`
	Run        RunConfig        `koanf:"run"`
	Browser    BrowserConfig    `koanf:"browser"`
	Proxy      ProxyConfig      `koanf:"proxy"`
	Vocabulary VocabularyConfig `koanf:"vocabulary"`
	Logging    LoggingConfig    `koanf:"logging"`
}

type DatabaseConfig struct {
	Path        string        `koanf:"path"`
	BusyTimeout time.Duration `koanf:"busy_timeout"`
	// RankOffset biases worker picks toward high scores; negative disables
	// weighting (uniform random).
	RankOffset float64 `koanf:"rank_offset"`
}

type PathsConfig struct {
	Recordings   string `koanf:"recordings"`
	Compilations string `koanf:"compilations"`
	BucketSize   int64  `koanf:"bucket_size"`
}

type ArchiveConfig struct {
	WebHost       string        `koanf:"web_host"`
	CDXHost       string        `koanf:"cdx_host"`
	SaveHost      string        `koanf:"save_host"`
	ArchiveAmount int           `koanf:"archive_amount"`
	ArchiveWindow time.Duration `koanf:"archive_window"`
	CDXAmount     int           `koanf:"cdx_amount"`
	CDXWindow     time.Duration `koanf:"cdx_window"`
	SaveAmount    int           `koanf:"save_amount"`
	SaveWindow    time.Duration `koanf:"save_window"`
	RetryBase     time.Duration `koanf:"retry_base"`
	RetryMaxWait  time.Duration `koanf:"retry_max_wait"`
	MediaPoints   int           `koanf:"media_points"`
	AllowHosts    []string      `koanf:"allow_hosts"` // reversed-host prefixes; empty allows all
	DenyHosts     []string      `koanf:"deny_hosts"`
	Cache         CacheConfig   `koanf:"cache"`
}

type CacheConfig struct {
	Backend string        `koanf:"backend"` // memory, badger, redis
	Path    string        `koanf:"path"`
	Addr    string        `koanf:"addr"`
	DB      int           `koanf:"db"`
	TTL     time.Duration `koanf:"ttl"`
}

type ScoutConfig struct {
	Schedule             string `koanf:"schedule"`
	MaxIterations        int    `koanf:"max_iterations"`
	MaxDepth             int    `koanf:"max_depth"`
	MaxRequiredDepth     int    `koanf:"max_required_depth"`
	MinYear              int    `koanf:"min_year"`
	MaxYear              int    `koanf:"max_year"`
	DetectLanguage       bool   `koanf:"detect_language"`
	JapaneseSegmentation bool   `koanf:"japanese_segmentation"`
}

type RecordConfig struct {
	Schedule              string        `koanf:"schedule"`
	MaxIterations         int           `koanf:"max_iterations"`
	MinYear               int           `koanf:"min_year"`
	MaxYear               int           `koanf:"max_year"`
	MediaExtensions       []string      `koanf:"media_extensions"`
	MinRecordingsSameHost int           `koanf:"min_recordings_for_same_host"`
	MinPublishDays        int           `koanf:"min_publish_days_for_same_url"`
	AllowSensitive        bool          `koanf:"allow_sensitive"`
	PageLoadTimeout       time.Duration `koanf:"page_load_timeout"`
	PluginLoadWait        time.Duration `koanf:"plugin_load_wait"`
	CacheWait             time.Duration `koanf:"cache_wait"`
	ProxyQuietWait        time.Duration `koanf:"proxy_quiet_wait"`
	ProxyTotalTimeout     time.Duration `koanf:"proxy_total_timeout"`
	PluginCrashTimeout    time.Duration `koanf:"plugin_crash_timeout"`
	MinDuration           time.Duration `koanf:"min_duration"`
	MaxDuration           time.Duration `koanf:"max_duration"`
	ScrollStep            int           `koanf:"scroll_step"`
	SyncFix               string        `koanf:"sync_fix"` // none, reload, reload-twice, unload-reload
	Encoding              string        `koanf:"encoding"`
	Script                string        `koanf:"script"`
	Narrate               bool          `koanf:"narrate"`
	AudioMix              bool          `koanf:"audio_mix"`
	Soundfont             string        `koanf:"soundfont"`
	ImgAltText            bool          `koanf:"img_alt_text"`
	SaveMissing           bool          `koanf:"save_missing"`
	MaxConsecutiveTries   int           `koanf:"max_consecutive_save_tries"`
	MaxTotalTries         int           `koanf:"max_total_save_tries"`
}

type ApproveConfig struct {
	Required      bool `koanf:"required"`
	PlayNarration bool `koanf:"play_narration"`
}

type PublishConfig struct {
	Schedule       string        `koanf:"schedule"`
	BatchSize      int           `koanf:"batch_size"`
	TitleBudget    int           `koanf:"title_budget"`
	SegmentSeconds int           `koanf:"segment_seconds"`
	Twitter        BackendConfig `koanf:"twitter"`
	Mastodon       BackendConfig `koanf:"mastodon"`
}

type BackendConfig struct {
	Enabled       bool          `koanf:"enabled"`
	Server        string        `koanf:"server"` // mastodon instance url
	Credentials   string        `koanf:"credentials"`
	MaxVideoBytes int64         `koanf:"max_video_bytes"`
	MaxDuration   time.Duration `koanf:"max_duration"`
	Transcode     bool          `koanf:"transcode_oversize"`
}

type CompileConfig struct {
	TransitionColor    string        `koanf:"transition_color"`
	TransitionDuration time.Duration `koanf:"transition_duration"`
	TransitionSFX      string        `koanf:"transition_sfx"`
}

type RunConfig struct {
	ListenAddr string `koanf:"listen_addr"` // empty disables the status listener
}

type BrowserConfig struct {
	WebDriverURL    string   `koanf:"webdriver_url"`
	Display         string   `koanf:"display"`
	VideoSize       string   `koanf:"video_size"`
	FrameRate       int      `koanf:"frame_rate"`
	CaptureBin      string   `koanf:"capture_bin"`
	PluginProcesses []string `koanf:"plugin_processes"`
}

type ProxyConfig struct {
	ListenAddr      string  `koanf:"listen_addr"`
	BinPath         string  `koanf:"bin_path"`
	BlockNonArchive bool    `koanf:"block_non_archive"`
	LiveProbe       bool    `koanf:"live_probe"`
	LiveProbeRPS    float64 `koanf:"live_probe_rps"`
}

type VocabularyConfig struct {
	// File is an optional standalone vocabulary document watched for changes
	// in run mode; empty means the inline maps below are authoritative.
	File      string         `koanf:"file"`
	Words     map[string]int `koanf:"words"`
	Tags      map[string]int `koanf:"tags"`
	Sensitive []string       `koanf:"sensitive"`
}

type LoggingConfig struct {
	Level  string `koanf:"level"`
	Pretty bool   `koanf:"pretty"`
}

// Default returns the built-in configuration, overridden by file and env.
func Default() Config {
	return Config{
		Database: DatabaseConfig{
			Path:        "webtape.db",
			BusyTimeout: 5 * time.Second,
			RankOffset:  1.0,
		},
		Paths: PathsConfig{
			Recordings:   "recordings",
			Compilations: "compilations",
			BucketSize:   1000,
		},
		Archive: ArchiveConfig{
			WebHost:       "https://web.archive.org",
			CDXHost:       "https://web.archive.org/cdx/search/cdx",
			SaveHost:      "https://web.archive.org/save",
			ArchiveAmount: 15, ArchiveWindow: time.Minute,
			CDXAmount: 10, CDXWindow: time.Minute,
			SaveAmount: 4, SaveWindow: time.Minute,
			RetryBase:    5 * time.Second,
			RetryMaxWait: 5 * time.Minute,
			MediaPoints:  10,
			Cache:        CacheConfig{Backend: "memory", TTL: 24 * time.Hour},
		},
		Scout: ScoutConfig{
			Schedule:         "*/10 * * * *",
			MaxIterations:    10,
			MaxDepth:         6,
			MaxRequiredDepth: 2,
			DetectLanguage:   true,
		},
		Record: RecordConfig{
			Schedule:            "5 * * * *",
			MaxIterations:       1,
			PageLoadTimeout:     90 * time.Second,
			PluginLoadWait:      10 * time.Second,
			CacheWait:           20 * time.Second,
			ProxyQuietWait:      5 * time.Second,
			ProxyTotalTimeout:   3 * time.Minute,
			PluginCrashTimeout:  2 * time.Minute,
			MinDuration:         20 * time.Second,
			MaxDuration:         2 * time.Minute,
			ScrollStep:          120,
			SyncFix:             "none",
			SaveMissing:         true,
			MaxConsecutiveTries: 3,
			MaxTotalTries:       10,
		},
		Publish: PublishConfig{
			Schedule:       "0 */6 * * *",
			BatchSize:      1,
			TitleBudget:    80,
			SegmentSeconds: 120,
			Twitter:        BackendConfig{MaxVideoBytes: 512 << 20, MaxDuration: 140 * time.Second},
			Mastodon:       BackendConfig{MaxVideoBytes: 40 << 20, MaxDuration: 5 * time.Minute},
		},
		Compile: CompileConfig{
			TransitionColor:    "black",
			TransitionDuration: time.Second,
		},
		Browser: BrowserConfig{
			WebDriverURL:    "http://127.0.0.1:4444/wd/hub",
			Display:         ":0.0",
			VideoSize:       "1024x768",
			FrameRate:       30,
			CaptureBin:      "ffmpeg",
			PluginProcesses: []string{"plugin-container", "java"},
		},
		Proxy: ProxyConfig{
			ListenAddr:      "127.0.0.1:8099",
			BlockNonArchive: true,
			LiveProbeRPS:    0.5,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads the document at path (JSON or YAML by extension; empty path
// loads defaults plus env only) and applies WEBTAPE_ environment overrides.
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	if path != "" {
		parser := pickParser(path)
		if err := k.Load(file.Provider(path), parser); err != nil {
			return nil, fmt.Errorf("config: load %s: %w", path, err)
		}
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", envTransform), nil); err != nil {
		return nil, fmt.Errorf("config: env: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func pickParser(path string) koanf.Parser {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Parser()
	default:
		return koanfjson.Parser()
	}
}

// envTransform maps WEBTAPE_SCOUT__MAX_DEPTH to scout.max_depth. A double
// underscore separates nesting levels so multi-word keys survive.
func envTransform(key string) string {
	key = strings.TrimPrefix(key, EnvPrefix)
	return strings.ReplaceAll(strings.ToLower(key), "__", ".")
}

// Validate rejects configurations no worker could run with.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("config: database.path is required")
	}
	if c.Paths.BucketSize <= 0 {
		return fmt.Errorf("config: paths.bucket_size must be positive")
	}
	if c.Archive.WebHost == "" || c.Archive.CDXHost == "" {
		return fmt.Errorf("config: archive hosts are required")
	}
	switch c.Record.SyncFix {
	case "", "none", "reload", "reload-twice", "unload-reload":
	default:
		return fmt.Errorf("config: record.sync_fix %q unknown", c.Record.SyncFix)
	}
	switch c.Archive.Cache.Backend {
	case "", "memory", "badger", "redis":
	default:
		return fmt.Errorf("config: archive.cache.backend %q unknown", c.Archive.Cache.Backend)
	}
	return nil
}

// RankOffset returns the configured offset as the pointer form the store
// expects; negative values disable weighting.
func (c *Config) RankOffset() *float64 {
	if c.Database.RankOffset < 0 {
		return nil
	}
	off := c.Database.RankOffset
	return &off
}

// VocabEntries flattens the vocabulary maps into store entries. A word listed
// both as scored and sensitive yields one entry with both attributes.
func (v *VocabularyConfig) VocabEntries() []store.VocabEntry {
	sensitive := make(map[string]bool, len(v.Sensitive))
	for _, w := range v.Sensitive {
		sensitive[strings.ToLower(w)] = true
	}
	entries := make([]store.VocabEntry, 0, len(v.Words)+len(v.Tags)+len(v.Sensitive))
	for w, pts := range v.Words {
		w = strings.ToLower(w)
		entries = append(entries, store.VocabEntry{
			Word: w, Points: pts, IsSensitive: sensitive[w],
		})
		delete(sensitive, w)
	}
	for w, pts := range v.Tags {
		entries = append(entries, store.VocabEntry{
			Word: strings.ToLower(w), IsTag: true, Points: pts,
		})
	}
	for w := range sensitive {
		entries = append(entries, store.VocabEntry{Word: w, IsSensitive: true})
	}
	return entries
}

// LoadVocabulary reads a standalone vocabulary document (JSON or YAML by
// extension), for the file-backed variant and run-mode hot reload.
func LoadVocabulary(path string) (*VocabularyConfig, error) {
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), pickParser(path)); err != nil {
		return nil, fmt.Errorf("config: load vocabulary %s: %w", path, err)
	}
	var v VocabularyConfig
	if err := k.Unmarshal("", &v); err != nil {
		return nil, fmt.Errorf("config: vocabulary: %w", err)
	}
	return &v, nil
}

// Print renders the effective configuration as indented JSON.
func (c *Config) Print() (string, error) {
	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return "", err
	}
	return string(b), nil
}
