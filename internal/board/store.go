package board

import (
	"errors"
	"sync"
)

// Errors returned by board mutations.
var (
	ErrColumnNotFound = errors.New("column not found")
	ErrTaskNotFound   = errors.New("task not found")
)

// Store owns the canonical board state. All access is serialized by one
// mutex: no interleaving of two mutations is ever observable, and a failed
// mutation leaves the board untouched.
//
// Callers never receive references into the live board. Snapshot and every
// mutation return copies. Every successful mutation stamps the affected
// task's lastModified/modifiedBy fields from the request before returning.
type Store struct {
	mu    sync.Mutex
	board Board
}

// NewStore creates a store holding the given initial board. A nil initial
// board falls back to the default seed.
func NewStore(initial Board) *Store {
	if initial == nil {
		initial = Seed()
	}
	return &Store{board: initial.Clone()}
}

// Snapshot returns a deep copy of the full current board.
func (s *Store) Snapshot() Board {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.board.Clone()
}

// MoveTask relocates a task and stamps it. See Board.Move for index
// semantics.
func (s *Store) MoveTask(taskID, fromColumnID, toColumnID string, toIndex int, timestamp, userName string) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, err := s.board.Move(taskID, fromColumnID, toColumnID, toIndex)
	if err != nil {
		return Task{}, err
	}
	task.LastModified = timestamp
	task.ModifiedBy = userName
	return *task, nil
}

// InsertTask places a caller-provided task (already carrying its id) at the
// head of the named column and stamps it.
func (s *Store) InsertTask(columnID string, task Task, timestamp, userName string) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inserted, err := s.board.Insert(columnID, task)
	if err != nil {
		return Task{}, err
	}
	inserted.LastModified = timestamp
	inserted.ModifiedBy = userName
	return *inserted, nil
}

// UpdateTask replaces the task in place, wherever it currently resides, and
// stamps it.
func (s *Store) UpdateTask(task Task, timestamp, userName string) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	updated, err := s.board.Update(task)
	if err != nil {
		return Task{}, err
	}
	updated.LastModified = timestamp
	updated.ModifiedBy = userName
	return *updated, nil
}

// RemoveTask locates the task across all columns (first match) and removes
// it, returning the removed task.
func (s *Store) RemoveTask(taskID string) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.board.Remove(taskID)
}

// TaskCount returns the number of tasks currently on the board.
func (s *Store) TaskCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.board.TaskCount()
}
