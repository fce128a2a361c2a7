// Package store persists a ledger of submitted batch jobs. The resolver
// consults it to tell "previously submitted and not yet terminal" apart
// from "never heard of this job" when the remote scheduler stops
// reporting a job ID.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

var (
	// ErrNotFound is returned when a job is not present in the ledger.
	ErrNotFound = errors.New("submission not found")
)

var (
	submissionsBucket = []byte("submissions")
)

// Submission records one submitted job and the last state observed for it.
type Submission struct {
	JobID       string    `json:"job_id"`
	ScriptPath  string    `json:"script_path"`
	SubmittedAt time.Time `json:"submitted_at"`
	// LastState is the last canonical state observed from a poll.
	LastState string `json:"last_state"`
	// Terminal marks a job whose terminal state was observed; the
	// absence policy no longer applies to it.
	Terminal   bool      `json:"terminal"`
	LastSeenAt time.Time `json:"last_seen_at,omitempty"`
	// FirstUnknownAt is set the first time the remote stopped reporting
	// the job while it was still non-terminal. Callers implementing
	// terminal-by-inference can reason from this timestamp.
	FirstUnknownAt time.Time `json:"first_unknown_at,omitempty"`
}

// Ledger defines the interface for tracking submitted jobs.
type Ledger interface {
	Save(sub *Submission) error
	Get(jobID string) (*Submission, error)
	List() ([]*Submission, error)
	Delete(jobID string) error
	Close() error
}

// BoltLedger is a Ledger implementation backed by bbolt.
type BoltLedger struct {
	db *bbolt.DB
}

// Open opens (or creates) a ledger at the given path.
func Open(path string) (*BoltLedger, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(submissionsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create submissions bucket: %w", err)
	}

	return &BoltLedger{db: db}, nil
}

// Save writes a submission record, replacing any previous record for the
// same job ID.
func (s *BoltLedger) Save(sub *Submission) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(submissionsBucket)

		data, err := json.Marshal(sub)
		if err != nil {
			return fmt.Errorf("failed to marshal submission: %w", err)
		}

		if err := b.Put([]byte(sub.JobID), data); err != nil {
			return fmt.Errorf("failed to put submission: %w", err)
		}

		return nil
	})
}

// Get retrieves a submission by job ID.
func (s *BoltLedger) Get(jobID string) (*Submission, error) {
	var sub Submission
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(submissionsBucket)
		data := b.Get([]byte(jobID))
		if data == nil {
			return ErrNotFound
		}

		if err := json.Unmarshal(data, &sub); err != nil {
			return fmt.Errorf("failed to unmarshal submission: %w", err)
		}
		return nil
	})

	if err != nil {
		return nil, err
	}

	return &sub, nil
}

// List returns all recorded submissions.
func (s *BoltLedger) List() ([]*Submission, error) {
	var subs []*Submission
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(submissionsBucket)
		return b.ForEach(func(_, data []byte) error {
			var sub Submission
			if err := json.Unmarshal(data, &sub); err != nil {
				return fmt.Errorf("failed to unmarshal submission: %w", err)
			}
			subs = append(subs, &sub)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return subs, nil
}

// Delete removes a submission. Deleting an absent job ID is not an error.
func (s *BoltLedger) Delete(jobID string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(submissionsBucket).Delete([]byte(jobID))
	})
}

// Close closes the underlying store.
func (s *BoltLedger) Close() error {
	return s.db.Close()
}
