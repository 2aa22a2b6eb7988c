// Package queue implements the two persistent work queues of the context
// engine: the bottom-up semantic queue and the order-free embedding queue.
// Jobs are small JSON files under viking://.system/queues/, so a restart
// resumes exactly where the previous process stopped.
package queue

import (
	"time"

	"openviking/internal/uri"
)

// Job status values.
const (
	StatusPending    = "pending"
	StatusInProgress = "in_progress"
	StatusDone       = "done"
	StatusFailed     = "failed"
)

// SemanticJob is one directory (or file) awaiting semantic processing.
type SemanticJob struct {
	ID         string    `json:"id"`
	URI        string    `json:"uri"`
	Kind       uri.Kind  `json:"kind"`
	Status     string    `json:"status"`
	Attempts   int       `json:"attempts"`
	LastError  string    `json:"last_error,omitempty"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	UpdatedAt  time.Time `json:"updated_at"`

	// ParentURI points at the directory whose job becomes eligible once
	// this one is done. Empty for scope-root children.
	ParentURI string `json:"parent_uri,omitempty"`

	// LeaseExpiresAt bounds in_progress ownership; an expired lease
	// reverts the job to pending.
	LeaseExpiresAt time.Time `json:"lease_expires_at,omitempty"`

	// NextAttemptAt delays retries after transient failures.
	NextAttemptAt time.Time `json:"next_attempt_at,omitempty"`
}

// EmbeddingJob is one artefact awaiting vectorisation.
type EmbeddingJob struct {
	ID        string    `json:"id"`
	URI       string    `json:"uri"`
	Modality  string    `json:"modality"`
	Source    string    `json:"source"`
	Status    string    `json:"status"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error,omitempty"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	UpdatedAt  time.Time `json:"updated_at"`

	// Text is the content to embed, captured at enqueue time so the worker
	// does not depend on re-reading mutable files.
	Text string `json:"text"`

	// Payload is stored alongside the vector.
	Payload map[string]interface{} `json:"payload,omitempty"`

	LeaseExpiresAt time.Time `json:"lease_expires_at,omitempty"`
	NextAttemptAt  time.Time `json:"next_attempt_at,omitempty"`
}

// Stats summarises one queue's job population.
type Stats struct {
	Pending    int `json:"pending"`
	InProgress int `json:"in_progress"`
	Done       int `json:"done"`
	Failed     int `json:"failed"`
}

// Total returns all jobs regardless of status.
func (s Stats) Total() int { return s.Pending + s.InProgress + s.Done + s.Failed }

// Drained reports whether no work remains in flight.
func (s Stats) Drained() bool { return s.Pending == 0 && s.InProgress == 0 }
