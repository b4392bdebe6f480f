package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
)

type RunStatus string

const (
	RunStatusRunning RunStatus = "RUNNING"
	RunStatusSuccess RunStatus = "SUCCESS"
	RunStatusError   RunStatus = "ERROR"
)

type RunType string

const (
	RunTypeSync    RunType = "SYNC"
	RunTypeWebhook RunType = "WEBHOOK"
)

var ErrRunNotFound = errors.New("run not found")

// Run is the record of one sync or webhook execution.
type Run struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"taskId"`
	SyncID    string    `json:"syncId,omitempty"`
	Type      RunType   `json:"type"`
	Status    RunStatus `json:"status"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type RunStore interface {
	Create(ctx context.Context, run Run) (Run, error)
	UpdateStatus(ctx context.Context, id string, status RunStatus, errMsg string) error
	Get(ctx context.Context, id string) (Run, error)
	FindByTaskID(ctx context.Context, taskID string) (Run, error)
}

const (
	bucketRuns       = "runs"
	bucketRunsByTask = "runs_by_task"
)

// BoltRunStore keeps run records in a local bbolt file, with a secondary
// bucket mapping task ids to run ids.
type BoltRunStore struct {
	mu sync.RWMutex
	db *bbolt.DB
}

func OpenBoltRunStore(path string) (*BoltRunStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open run store: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{bucketRuns, bucketRunsByTask} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("failed to initialize %s bucket: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BoltRunStore{db: db}, nil
}

func (s *BoltRunStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *BoltRunStore) handle() (*bbolt.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, fmt.Errorf("run store is already closed")
	}
	return s.db, nil
}

func (s *BoltRunStore) Create(_ context.Context, run Run) (Run, error) {
	db, err := s.handle()
	if err != nil {
		return Run{}, err
	}
	if run.ID == "" {
		run.ID = uuid.Must(uuid.NewV7()).String()
	}
	now := time.Now().UTC()
	run.CreatedAt, run.UpdatedAt = now, now

	err = db.Update(func(tx *bbolt.Tx) error {
		if err := putRun(tx, run); err != nil {
			return err
		}
		return tx.Bucket([]byte(bucketRunsByTask)).Put([]byte(run.TaskID), []byte(run.ID))
	})
	if err != nil {
		return Run{}, err
	}
	return run, nil
}

func (s *BoltRunStore) UpdateStatus(_ context.Context, id string, status RunStatus, errMsg string) error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	return db.Update(func(tx *bbolt.Tx) error {
		run, err := getRun(tx, id)
		if err != nil {
			return err
		}
		run.Status = status
		run.Error = errMsg
		run.UpdatedAt = time.Now().UTC()
		return putRun(tx, run)
	})
}

func (s *BoltRunStore) Get(_ context.Context, id string) (run Run, err error) {
	db, err := s.handle()
	if err != nil {
		return Run{}, err
	}
	err = db.View(func(tx *bbolt.Tx) error {
		run, err = getRun(tx, id)
		return err
	})
	return run, err
}

func (s *BoltRunStore) FindByTaskID(_ context.Context, taskID string) (run Run, err error) {
	db, err := s.handle()
	if err != nil {
		return Run{}, err
	}
	err = db.View(func(tx *bbolt.Tx) error {
		id := tx.Bucket([]byte(bucketRunsByTask)).Get([]byte(taskID))
		if id == nil {
			return fmt.Errorf("task %s: %w", taskID, ErrRunNotFound)
		}
		run, err = getRun(tx, string(id))
		return err
	})
	return run, err
}

func getRun(tx *bbolt.Tx, id string) (Run, error) {
	raw := tx.Bucket([]byte(bucketRuns)).Get([]byte(id))
	if raw == nil {
		return Run{}, fmt.Errorf("run %s: %w", id, ErrRunNotFound)
	}
	var run Run
	if err := json.Unmarshal(raw, &run); err != nil {
		return Run{}, fmt.Errorf("failed to decode run %s: %w", id, err)
	}
	return run, nil
}

func putRun(tx *bbolt.Tx, run Run) error {
	enc, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to encode run: %w", err)
	}
	if err := tx.Bucket([]byte(bucketRuns)).Put([]byte(run.ID), enc); err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}
	return nil
}
