// SPDX-License-Identifier: MIT

package log

// Canonical field name constants for structured logging.
const (
	FieldComponent = "component"
	FieldWorker    = "worker"

	// Pipeline entity fields
	FieldSnapshotID  = "snapshot_id"
	FieldRecordingID = "recording_id"
	FieldURL         = "url"
	FieldTimestamp   = "timestamp"
	FieldDigest      = "digest"

	// State fields
	FieldOldState = "old_state"
	FieldNewState = "new_state"
	FieldPriority = "priority"

	// Capture fields
	FieldDuration = "duration"
	FieldPlugins  = "plugins"
	FieldHasAudio = "has_audio"
)
