// SPDX-License-Identifier: MIT

package store

import (
	"fmt"
	"math/rand/v2"
)

// State is a snapshot's pipeline position. Values are ordered integers so SQL
// comparisons like `state >= StateRecorded` stay valid.
type State int

const (
	StateQueued    State = 0 // discovered, not yet scouted
	StateInvalid   State = 1 // scout redirected or the driver failed before capture
	StateScouted   State = 2 // metadata stored, eligible for recording
	StateAborted   State = 3 // capture failed, redirected or crashed
	StateRecorded  State = 4 // capture on disk, eligible for approval/publishing
	StateRejected  State = 5 // human said no
	StateApproved  State = 6 // human said yes
	StatePublished State = 7 // posted to at least one backend
	StateWithheld  State = 8 // kept out of circulation
)

func (s State) String() string {
	switch s {
	case StateQueued:
		return "queued"
	case StateInvalid:
		return "invalid"
	case StateScouted:
		return "scouted"
	case StateAborted:
		return "aborted"
	case StateRecorded:
		return "recorded"
	case StateRejected:
		return "rejected"
	case StateApproved:
		return "approved"
	case StatePublished:
		return "published"
	case StateWithheld:
		return "withheld"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Valid reports whether s is one of the nine pipeline states.
func (s State) Valid() bool {
	return s >= StateQueued && s <= StateWithheld
}

// CanTransition reports whether moving from s to next is an allowed pipeline
// transition. The only backward moves are the explicit "record again" verdict
// (approved -> scouted) and re-recording a published snapshot via a fresh
// recording (published -> recorded).
func (s State) CanTransition(next State) bool {
	switch s {
	case StateQueued:
		return next == StateScouted || next == StateInvalid
	case StateScouted:
		return next == StateRecorded || next == StateAborted
	case StateRecorded:
		return next == StateApproved || next == StateRejected ||
			next == StateScouted || next == StatePublished
	case StateApproved:
		return next == StatePublished || next == StateScouted
	case StatePublished:
		return next == StateRecorded
	default:
		return false
	}
}

// Priority buckets. The low tie-break digits (0..999) randomize order within
// a bucket so equal-priority snapshots are not drained in insertion order.
type Priority int

const (
	PriorityNone    Priority = 0
	PriorityScout   Priority = 1000
	PriorityRecord  Priority = 2000
	PriorityPublish Priority = 3000

	priorityBucket = 1000
)

// WithTieBreak returns the bucket value plus a random tie-break in [0, 1000).
func (p Priority) WithTieBreak() int {
	if p == PriorityNone {
		return 0
	}
	return int(p) + rand.IntN(priorityBucket)
}

// BucketOf returns the priority bucket a raw stored value belongs to.
func BucketOf(raw int) Priority {
	return Priority(raw / priorityBucket * priorityBucket)
}
