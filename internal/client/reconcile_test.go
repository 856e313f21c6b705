package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/boardsync/boardsync/internal/board"
	"github.com/boardsync/boardsync/internal/protocol"
	"github.com/boardsync/boardsync/internal/session"
)

// fakeSender stands in for the websocket path. If block is set, request
// waits until the channel closes, so a test can hold an operation in
// flight while events arrive.
type fakeSender struct {
	mu      sync.Mutex
	err     error
	calls   []protocol.MessageType
	started chan struct{}
	block   chan struct{}
}

func (f *fakeSender) request(_ context.Context, typ protocol.MessageType, _ any) error {
	f.mu.Lock()
	f.calls = append(f.calls, typ)
	started := f.started
	block := f.block
	err := f.err
	f.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	if block != nil {
		<-block
	}
	return err
}

func (f *fakeSender) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// capture collects callback invocations.
type capture struct {
	mu        sync.Mutex
	boards    int
	conflicts []string
	events    []protocol.Event
}

func (cb *capture) conflictTasks() []string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	out := make([]string, len(cb.conflicts))
	copy(out, cb.conflicts)
	return out
}

func newTestReconciler(send sender) (*Reconciler, *capture) {
	cb := &capture{}
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	r := &Reconciler{
		send:    send,
		user:    session.User{ID: "me", Name: "Me"},
		logger:  logger,
		pending: make(map[string]*pendingOp),
		onChange: func(board.Board) {
			cb.mu.Lock()
			cb.boards++
			cb.mu.Unlock()
		},
		onEvent: func(ev protocol.Event) {
			cb.mu.Lock()
			cb.events = append(cb.events, ev)
			cb.mu.Unlock()
		},
		onConflict: func(taskID string, _ protocol.Event) {
			cb.mu.Lock()
			cb.conflicts = append(cb.conflicts, taskID)
			cb.mu.Unlock()
		},
	}
	r.board = board.Seed()
	return r, cb
}

func remoteEvent(t *testing.T, typ protocol.EventType, payload any, ts time.Time) protocol.Event {
	t.Helper()
	ev, err := protocol.NewEvent(typ, payload, "other", "Other", protocol.Timestamp(ts))
	if err != nil {
		t.Fatalf("Failed to build event: %v", err)
	}
	return ev
}

func TestMoveAppliedOptimistically(t *testing.T) {
	send := &fakeSender{}
	r, cb := newTestReconciler(send)

	if err := r.MoveTask(context.Background(), "task-1", board.ColumnTodo, board.ColumnDone, 0); err != nil {
		t.Fatalf("MoveTask failed: %v", err)
	}

	b := r.Board()
	col, idx, ok := b.FindTask("task-1")
	if !ok || col.ID != board.ColumnDone {
		t.Fatalf("Task in %v, want done column", col)
	}
	if col.Tasks[idx].IsLoading {
		t.Error("Loading flag still set after confirmation")
	}
	if send.callCount() != 1 {
		t.Errorf("Sender called %d times, want 1", send.callCount())
	}
	if len(r.pending) != 0 {
		t.Errorf("Pending ops remain: %v", r.pending)
	}
	cb.mu.Lock()
	notified := cb.boards
	cb.mu.Unlock()
	if notified < 2 {
		t.Errorf("Board callback fired %d times, want optimistic apply plus confirmation", notified)
	}
}

func TestLoadingFlagSetWhileInFlight(t *testing.T) {
	send := &fakeSender{
		started: make(chan struct{}, 1),
		block:   make(chan struct{}),
	}
	r, _ := newTestReconciler(send)

	done := make(chan error, 1)
	go func() {
		done <- r.MoveTask(context.Background(), "task-1", board.ColumnTodo, board.ColumnDone, 0)
	}()
	<-send.started

	b := r.Board()
	col, idx, ok := b.FindTask("task-1")
	if !ok {
		t.Fatal("Task missing while in flight")
	}
	if col.ID != board.ColumnDone {
		t.Errorf("Task in %s while in flight, want done (applied before confirmation)", col.ID)
	}
	if !col.Tasks[idx].IsLoading {
		t.Error("Loading flag not set while in flight")
	}

	close(send.block)
	if err := <-done; err != nil {
		t.Fatalf("MoveTask failed: %v", err)
	}
}

func TestRollbackRestoresFullBoard(t *testing.T) {
	send := &fakeSender{err: errors.New("server rejected move_task: column not found")}
	r, _ := newTestReconciler(send)
	before := r.Board()

	err := r.MoveTask(context.Background(), "task-1", board.ColumnTodo, board.ColumnDone, 0)
	if err == nil {
		t.Fatal("MoveTask succeeded against failing sender")
	}

	after := r.Board()
	if fmt.Sprint(after) != fmt.Sprint(before) {
		t.Errorf("Board not restored after failure.\nbefore: %v\nafter:  %v", before, after)
	}
	if len(r.pending) != 0 {
		t.Error("Pending op survived rollback")
	}
}

func TestSecondOperationOnSameTaskRejected(t *testing.T) {
	send := &fakeSender{
		started: make(chan struct{}, 1),
		block:   make(chan struct{}),
	}
	r, _ := newTestReconciler(send)

	task := mustSeedTask(t, r)
	done := make(chan error, 1)
	go func() {
		done <- r.UpdateTask(context.Background(), task)
	}()
	<-send.started

	if err := r.DeleteTask(context.Background(), "task-1"); !errors.Is(err, ErrOperationPending) {
		t.Errorf("Second op error = %v, want ErrOperationPending", err)
	}
	if send.callCount() != 1 {
		t.Errorf("Rejected op reached the sender: %d calls", send.callCount())
	}

	close(send.block)
	if err := <-done; err != nil {
		t.Fatalf("First op failed: %v", err)
	}

	// With the first op resolved the task accepts mutations again.
	if err := r.DeleteTask(context.Background(), "task-1"); err != nil {
		t.Fatalf("Delete after resolution failed: %v", err)
	}
}

func TestMoveUnknownTaskFailsWithoutSending(t *testing.T) {
	send := &fakeSender{}
	r, _ := newTestReconciler(send)

	err := r.MoveTask(context.Background(), "no-such-task", board.ColumnTodo, board.ColumnDone, 0)
	if !errors.Is(err, board.ErrTaskNotFound) {
		t.Errorf("Error = %v, want ErrTaskNotFound", err)
	}
	if send.callCount() != 0 {
		t.Error("Invalid move reached the sender")
	}
}

func TestCreateTaskGeneratesIDAndValidates(t *testing.T) {
	send := &fakeSender{}
	r, _ := newTestReconciler(send)

	created, err := r.CreateTask(context.Background(), board.Task{Title: "New work"}, board.ColumnTodo)
	if err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	if created.ID == "" {
		t.Error("No id generated")
	}
	if created.Priority != board.PriorityMedium || created.Type != board.TypeTask {
		t.Errorf("Defaults not applied: %+v", created)
	}

	b := r.Board()
	todo := b.FindColumn(board.ColumnTodo)
	if todo.Tasks[0].ID != created.ID {
		t.Errorf("Created task not at column head: %v", todo.Tasks)
	}

	if _, err := r.CreateTask(context.Background(), board.Task{Title: "Bad", Priority: "extreme"}, board.ColumnTodo); err == nil {
		t.Error("Invalid priority accepted")
	}
}

func TestRemoteEventAppliedAndRecorded(t *testing.T) {
	send := &fakeSender{}
	r, cb := newTestReconciler(send)

	task := board.Task{ID: "remote-1", Title: "From elsewhere", Priority: board.PriorityLow, Type: board.TypeTask}
	ev := remoteEvent(t, protocol.EventTaskCreated, protocol.TaskCreatedData{Task: task, ColumnID: board.ColumnReview}, time.Now())
	r.HandleEvent(ev)

	b := r.Board()
	col, idx, ok := b.FindTask("remote-1")
	if !ok || col.ID != board.ColumnReview {
		t.Fatalf("Remote task not in review column: %v", col)
	}
	if col.Tasks[idx].ModifiedBy != "Other" {
		t.Errorf("ModifiedBy = %q, want Other", col.Tasks[idx].ModifiedBy)
	}

	activity := r.Activity()
	if len(activity) != 1 || activity[0].Type != protocol.EventTaskCreated {
		t.Errorf("Activity = %v", activity)
	}
	cb.mu.Lock()
	events := len(cb.events)
	cb.mu.Unlock()
	if events != 1 {
		t.Errorf("Event callback fired %d times, want 1", events)
	}
}

func TestOwnEventsIgnored(t *testing.T) {
	send := &fakeSender{}
	r, _ := newTestReconciler(send)
	before := r.Board()

	ev, err := protocol.NewEvent(protocol.EventTaskDeleted,
		protocol.TaskDeletedData{TaskID: "task-1"}, "me", "Me", protocol.Timestamp(time.Now()))
	if err != nil {
		t.Fatal(err)
	}
	r.HandleEvent(ev)

	if fmt.Sprint(r.Board()) != fmt.Sprint(before) {
		t.Error("Own echoed event mutated the board")
	}
	if len(r.Activity()) != 0 {
		t.Error("Own event recorded in activity")
	}
}

func TestNewerRemoteEventWinsOverPending(t *testing.T) {
	send := &fakeSender{
		started: make(chan struct{}, 1),
		block:   make(chan struct{}),
	}
	r, cb := newTestReconciler(send)

	done := make(chan error, 1)
	go func() {
		done <- r.MoveTask(context.Background(), "task-1", board.ColumnTodo, board.ColumnDone, 0)
	}()
	<-send.started

	// A remote move on the same task only 500ms newer, typically landing in
	// the same wall-clock second, still discards the pending op.
	ev := remoteEvent(t, protocol.EventTaskMoved, protocol.TaskMovedData{
		TaskID:              "task-1",
		SourceColumnID:      board.ColumnDone,
		DestinationColumnID: board.ColumnReview,
		DestinationIndex:    0,
	}, time.Now().Add(500*time.Millisecond))
	r.HandleEvent(ev)

	col, _, ok := r.Board().FindTask("task-1")
	if !ok || col.ID != board.ColumnReview {
		t.Fatalf("Task in %v after conflict, want review (remote state)", col)
	}
	if got := cb.conflictTasks(); len(got) != 1 || got[0] != "task-1" {
		t.Errorf("Conflict callback = %v, want [task-1]", got)
	}

	// The late confirmation of the discarded op must not undo the remote
	// state.
	close(send.block)
	if err := <-done; err != nil {
		t.Fatalf("MoveTask failed: %v", err)
	}
	col, _, _ = r.Board().FindTask("task-1")
	if col.ID != board.ColumnReview {
		t.Errorf("Late confirmation moved task to %s, remote state should stand", col.ID)
	}
	if len(r.pending) != 0 {
		t.Errorf("Pending ops remain: %v", r.pending)
	}
}

func TestOlderRemoteEventIgnoredWhilePending(t *testing.T) {
	send := &fakeSender{
		started: make(chan struct{}, 1),
		block:   make(chan struct{}),
	}
	r, cb := newTestReconciler(send)

	done := make(chan error, 1)
	go func() {
		done <- r.MoveTask(context.Background(), "task-1", board.ColumnTodo, board.ColumnDone, 0)
	}()
	<-send.started

	ev := remoteEvent(t, protocol.EventTaskMoved, protocol.TaskMovedData{
		TaskID:              "task-1",
		SourceColumnID:      board.ColumnTodo,
		DestinationColumnID: board.ColumnReview,
		DestinationIndex:    0,
	}, time.Now().Add(-300*time.Millisecond))
	r.HandleEvent(ev)

	// The stale event is recorded but the optimistic state stands.
	col, _, ok := r.Board().FindTask("task-1")
	if !ok || col.ID != board.ColumnDone {
		t.Fatalf("Task in %v, optimistic move should stand", col)
	}
	if len(cb.conflictTasks()) != 0 {
		t.Error("Stale event reported as conflict")
	}
	if len(r.Activity()) != 1 {
		t.Error("Stale event missing from activity")
	}

	close(send.block)
	if err := <-done; err != nil {
		t.Fatalf("MoveTask failed: %v", err)
	}
}

func TestResetBoardDropsPendingOps(t *testing.T) {
	send := &fakeSender{
		started: make(chan struct{}, 1),
		block:   make(chan struct{}),
	}
	r, _ := newTestReconciler(send)

	done := make(chan error, 1)
	go func() {
		done <- r.DeleteTask(context.Background(), "task-1")
	}()
	<-send.started

	fresh := board.Seed()
	r.ResetBoard(fresh)

	if _, _, ok := r.Board().FindTask("task-1"); !ok {
		t.Error("Snapshot did not supersede the optimistic delete")
	}
	if len(r.pending) != 0 {
		t.Errorf("Pending ops survived snapshot: %v", r.pending)
	}

	// The in-flight request resolves against a cleared map and must not
	// roll anything back.
	close(send.block)
	<-done
	if _, _, ok := r.Board().FindTask("task-1"); !ok {
		t.Error("Late resolution disturbed the snapshot state")
	}
}

func TestRemoteEventForVanishedTaskDropped(t *testing.T) {
	send := &fakeSender{}
	r, _ := newTestReconciler(send)
	if err := r.DeleteTask(context.Background(), "task-1"); err != nil {
		t.Fatal(err)
	}

	ev := remoteEvent(t, protocol.EventTaskMoved, protocol.TaskMovedData{
		TaskID:              "task-1",
		SourceColumnID:      board.ColumnTodo,
		DestinationColumnID: board.ColumnDone,
		DestinationIndex:    0,
	}, time.Now().Add(2*time.Second))
	r.HandleEvent(ev)

	if _, _, ok := r.Board().FindTask("task-1"); ok {
		t.Error("Move materialized a deleted task")
	}
}

func TestActivityFeedCapped(t *testing.T) {
	send := &fakeSender{}
	r, _ := newTestReconciler(send)

	for i := 0; i < activityLimit+3; i++ {
		ev := remoteEvent(t, protocol.EventUserJoined, protocol.UserData{
			User: session.User{ID: fmt.Sprintf("u%d", i), Name: fmt.Sprintf("User %d", i)},
		}, time.Now())
		r.HandleEvent(ev)
	}

	activity := r.Activity()
	if len(activity) != activityLimit {
		t.Fatalf("Activity length = %d, want %d", len(activity), activityLimit)
	}
	// Newest first.
	var first protocol.UserData
	if err := json.Unmarshal(activity[0].Data, &first); err != nil {
		t.Fatal(err)
	}
	if want := fmt.Sprintf("u%d", activityLimit+2); first.User.ID != want {
		t.Errorf("Newest activity entry = %s, want %s", first.User.ID, want)
	}
}

func mustSeedTask(t *testing.T, r *Reconciler) board.Task {
	t.Helper()
	col, idx, ok := r.Board().FindTask("task-1")
	if !ok {
		t.Fatal("Seed task missing")
	}
	task := col.Tasks[idx]
	task.Title = "Renamed"
	return task
}
