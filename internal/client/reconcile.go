package client

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/boardsync/boardsync/internal/board"
	"github.com/boardsync/boardsync/internal/protocol"
	"github.com/boardsync/boardsync/internal/session"
)

// activityLimit caps the remote-event feed.
const activityLimit = 10

// sender issues one mutation request and reports the server's verdict.
type sender interface {
	request(ctx context.Context, typ protocol.MessageType, payload any) error
}

// pendingOp tracks one in-flight optimistic mutation for a task.
//
// At most one operation per task id is tracked; a second mutation on the
// same task while one is pending is rejected with ErrOperationPending.
type pendingOp struct {
	kind      protocol.MessageType
	timestamp time.Time
	snapshot  board.Board // full pre-mutation board, restored on failure
}

// Reconciler maintains the client's local board: it applies mutations
// optimistically before the server confirms them, rolls the whole board
// back to the pre-mutation snapshot on failure (a move touches two columns,
// so a single-task revert is not enough), and merges remote events using
// last-writer-wins timestamp comparison against any pending operation on
// the same task.
type Reconciler struct {
	send   sender
	user   session.User
	logger *logrus.Logger

	onChange   func(board.Board)
	onEvent    func(protocol.Event)
	onConflict func(taskID string, winner protocol.Event)

	mu       sync.Mutex
	board    board.Board
	pending  map[string]*pendingOp
	activity []protocol.Event
}

func newReconciler(c *Client) *Reconciler {
	return &Reconciler{
		send:       c,
		user:       c.user,
		logger:     c.logger,
		onChange:   c.config.OnBoardChange,
		onEvent:    c.config.OnEvent,
		onConflict: c.config.OnConflict,
		pending:    make(map[string]*pendingOp),
	}
}

// Board returns a copy of the local board.
func (r *Reconciler) Board() board.Board {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.board.Clone()
}

// Activity returns the recent remote events, newest first.
func (r *Reconciler) Activity() []protocol.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]protocol.Event, len(r.activity))
	copy(out, r.activity)
	return out
}

// ResetBoard replaces the local board with a fresh server snapshot. The
// snapshot supersedes all optimistic state, so every pending operation is
// dropped.
func (r *Reconciler) ResetBoard(b board.Board) {
	r.mu.Lock()
	r.board = b.Clone()
	r.pending = make(map[string]*pendingOp)
	r.mu.Unlock()

	r.notifyChange()
}

// MoveTask applies the move locally, sends it, and rolls back on failure.
func (r *Reconciler) MoveTask(ctx context.Context, taskID, fromColumnID, toColumnID string, toIndex int) error {
	now := time.Now()

	r.mu.Lock()
	if _, exists := r.pending[taskID]; exists {
		r.mu.Unlock()
		return ErrOperationPending
	}
	snapshot := r.board.Clone()
	task, err := r.board.Move(taskID, fromColumnID, toColumnID, toIndex)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	task.IsLoading = true
	op := &pendingOp{kind: protocol.MessageMoveTask, timestamp: now, snapshot: snapshot}
	r.pending[taskID] = op
	r.mu.Unlock()
	r.notifyChange()

	reqErr := r.send.request(ctx, protocol.MessageMoveTask, protocol.MoveTaskRequest{
		TaskID:              taskID,
		SourceColumnID:      fromColumnID,
		DestinationColumnID: toColumnID,
		DestinationIndex:    toIndex,
		Timestamp:           protocol.Timestamp(now),
	})

	r.resolve(taskID, op, reqErr)
	return reqErr
}

// CreateTask inserts the task at the head of the column locally and sends
// it. A task without an id gets a generated one; defaults are applied and
// the task is validated before anything is touched.
func (r *Reconciler) CreateTask(ctx context.Context, task board.Task, columnID string) (board.Task, error) {
	now := time.Now()

	if task.ID == "" {
		task.ID = "task-" + uuid.NewString()
	}
	task.SetDefaults()
	if err := task.Validate(); err != nil {
		return board.Task{}, err
	}

	r.mu.Lock()
	if _, exists := r.pending[task.ID]; exists {
		r.mu.Unlock()
		return board.Task{}, ErrOperationPending
	}
	snapshot := r.board.Clone()
	inserted, err := r.board.Insert(columnID, task)
	if err != nil {
		r.mu.Unlock()
		return board.Task{}, err
	}
	inserted.IsLoading = true
	op := &pendingOp{kind: protocol.MessageCreateTask, timestamp: now, snapshot: snapshot}
	r.pending[task.ID] = op
	r.mu.Unlock()
	r.notifyChange()

	reqErr := r.send.request(ctx, protocol.MessageCreateTask, protocol.CreateTaskRequest{
		Task:      task,
		ColumnID:  columnID,
		Timestamp: protocol.Timestamp(now),
	})

	r.resolve(task.ID, op, reqErr)
	return task, reqErr
}

// UpdateTask replaces the task in place locally and sends it.
func (r *Reconciler) UpdateTask(ctx context.Context, task board.Task) error {
	now := time.Now()

	r.mu.Lock()
	if _, exists := r.pending[task.ID]; exists {
		r.mu.Unlock()
		return ErrOperationPending
	}
	snapshot := r.board.Clone()
	updated, err := r.board.Update(task)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	updated.IsLoading = true
	op := &pendingOp{kind: protocol.MessageUpdateTask, timestamp: now, snapshot: snapshot}
	r.pending[task.ID] = op
	r.mu.Unlock()
	r.notifyChange()

	reqErr := r.send.request(ctx, protocol.MessageUpdateTask, protocol.UpdateTaskRequest{
		Task:      task,
		Timestamp: protocol.Timestamp(now),
	})

	r.resolve(task.ID, op, reqErr)
	return reqErr
}

// DeleteTask removes the task locally and sends the deletion.
func (r *Reconciler) DeleteTask(ctx context.Context, taskID string) error {
	now := time.Now()

	r.mu.Lock()
	if _, exists := r.pending[taskID]; exists {
		r.mu.Unlock()
		return ErrOperationPending
	}
	snapshot := r.board.Clone()
	if _, err := r.board.Remove(taskID); err != nil {
		r.mu.Unlock()
		return err
	}
	op := &pendingOp{kind: protocol.MessageDeleteTask, timestamp: now, snapshot: snapshot}
	r.pending[taskID] = op
	r.mu.Unlock()
	r.notifyChange()

	reqErr := r.send.request(ctx, protocol.MessageDeleteTask, protocol.DeleteTaskRequest{
		TaskID:    taskID,
		Timestamp: protocol.Timestamp(now),
	})

	r.resolve(taskID, op, reqErr)
	return reqErr
}

// resolve finishes one request: success clears the pending state and the
// loading flag, failure restores the full pre-mutation snapshot. If a newer
// remote event already discarded this operation (last-writer-wins), the
// remote state stands and the outcome is ignored.
func (r *Reconciler) resolve(taskID string, op *pendingOp, reqErr error) {
	r.mu.Lock()
	current, exists := r.pending[taskID]
	if !exists || current != op {
		r.mu.Unlock()
		return
	}
	delete(r.pending, taskID)

	if reqErr != nil {
		r.board = op.snapshot
		r.mu.Unlock()
		r.logger.WithError(reqErr).WithField("task", taskID).Warn("mutation failed, rolled back")
		r.notifyChange()
		return
	}

	if col, idx, ok := r.board.FindTask(taskID); ok {
		col.Tasks[idx].IsLoading = false
	}
	r.mu.Unlock()
	r.notifyChange()
}

// HandleEvent merges one remote event into local state.
//
// Events produced by this client's own user id are ignored. For a task with
// a pending local operation, the remote event wins only if its timestamp is
// strictly newer; the discarded pending operation is reported through the
// conflict callback as a notice, not an error.
func (r *Reconciler) HandleEvent(ev protocol.Event) {
	if ev.UserID == r.user.ID {
		return
	}

	r.mu.Lock()
	r.activity = append([]protocol.Event{ev}, r.activity...)
	if len(r.activity) > activityLimit {
		r.activity = r.activity[:activityLimit]
	}

	taskID, ok := eventTaskID(ev)
	if !ok {
		// Presence events carry no board change.
		r.mu.Unlock()
		r.notifyEvent(ev)
		return
	}

	var conflict bool
	if op, exists := r.pending[taskID]; exists {
		if !remoteWins(ev.Timestamp, op.timestamp) {
			r.mu.Unlock()
			r.notifyEvent(ev)
			return
		}
		delete(r.pending, taskID)
		conflict = true
	}

	r.applyRemote(ev)
	r.mu.Unlock()

	if conflict {
		r.logger.WithFields(logrus.Fields{"task": taskID, "winner": ev.UserName}).Info("conflict resolved remotely")
		if r.onConflict != nil {
			r.onConflict(taskID, ev)
		}
	}
	r.notifyEvent(ev)
	r.notifyChange()
}

// applyRemote mutates the local board per the event. Callers hold r.mu.
// A remote change that no longer applies locally (task or column already
// gone) is dropped silently; the next full snapshot reconverges.
func (r *Reconciler) applyRemote(ev protocol.Event) {
	switch ev.Type {
	case protocol.EventTaskMoved:
		var data protocol.TaskMovedData
		if !decodeEventData(r.logger, ev, &data) {
			return
		}
		task, err := r.board.Move(data.TaskID, data.SourceColumnID, data.DestinationColumnID, data.DestinationIndex)
		if err != nil {
			return
		}
		task.LastModified = ev.Timestamp
		task.ModifiedBy = ev.UserName

	case protocol.EventTaskCreated:
		var data protocol.TaskCreatedData
		if !decodeEventData(r.logger, ev, &data) {
			return
		}
		task := data.Task
		task.LastModified = ev.Timestamp
		task.ModifiedBy = ev.UserName
		_, _ = r.board.Insert(data.ColumnID, task)

	case protocol.EventTaskUpdated:
		var data protocol.TaskUpdatedData
		if !decodeEventData(r.logger, ev, &data) {
			return
		}
		task := data.Task
		task.LastModified = ev.Timestamp
		task.ModifiedBy = ev.UserName
		_, _ = r.board.Update(task)

	case protocol.EventTaskDeleted:
		var data protocol.TaskDeletedData
		if !decodeEventData(r.logger, ev, &data) {
			return
		}
		_, _ = r.board.Remove(data.TaskID)
	}
}

// eventTaskID extracts the target task id from a task event.
func eventTaskID(ev protocol.Event) (string, bool) {
	switch ev.Type {
	case protocol.EventTaskMoved:
		var data protocol.TaskMovedData
		if json.Unmarshal(ev.Data, &data) == nil {
			return data.TaskID, true
		}
	case protocol.EventTaskCreated:
		var data protocol.TaskCreatedData
		if json.Unmarshal(ev.Data, &data) == nil {
			return data.Task.ID, true
		}
	case protocol.EventTaskUpdated:
		var data protocol.TaskUpdatedData
		if json.Unmarshal(ev.Data, &data) == nil {
			return data.Task.ID, true
		}
	case protocol.EventTaskDeleted:
		var data protocol.TaskDeletedData
		if json.Unmarshal(ev.Data, &data) == nil {
			return data.TaskID, true
		}
	}
	return "", false
}

func decodeEventData(logger *logrus.Logger, ev protocol.Event, out any) bool {
	if err := json.Unmarshal(ev.Data, out); err != nil {
		logger.WithError(err).WithField("event", ev.Type).Warn("malformed event payload")
		return false
	}
	return true
}

// remoteWins reports whether the remote timestamp is strictly newer than
// the local one. Wire stamps carry millisecond precision, so sub-second
// concurrent edits still order. Client clocks are trusted here; this is the
// documented last-writer-wins model, not a safe ordering under clock skew.
func remoteWins(remote string, local time.Time) bool {
	t, err := protocol.ParseTimestamp(remote)
	if err != nil {
		return false
	}
	return t.After(local.UTC())
}

func (r *Reconciler) notifyChange() {
	if r.onChange != nil {
		r.onChange(r.Board())
	}
}

func (r *Reconciler) notifyEvent(ev protocol.Event) {
	if r.onEvent != nil {
		r.onEvent(ev)
	}
}
