// Package protocol defines the wire format spoken between board clients and
// the sync server.
//
// Every message is a JSON text frame carrying an Envelope. Client requests
// that expect an acknowledgment carry a sequence number; the server answers
// with an ack envelope echoing the same number. Server pushes (board_state,
// users_update, realtime_event) carry no sequence number.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/boardsync/boardsync/internal/board"
	"github.com/boardsync/boardsync/internal/session"
)

// MessageType tags an envelope.
type MessageType string

// Client to server.
const (
	MessageJoin       MessageType = "join"
	MessageMoveTask   MessageType = "move_task"
	MessageCreateTask MessageType = "create_task"
	MessageUpdateTask MessageType = "update_task"
	MessageDeleteTask MessageType = "delete_task"
)

// Server to client.
const (
	MessageAck         MessageType = "ack"
	MessageBoardState  MessageType = "board_state"
	MessageUsersUpdate MessageType = "users_update"
	MessageEvent       MessageType = "realtime_event"
)

// MaxFrameSize bounds a single wire frame on both sides. Board snapshots
// and task updates with long descriptions exceed the transport's 32KB
// default read limit well before a board feels large.
const MaxFrameSize = 1 << 20

// Envelope frames every message on the wire.
type Envelope struct {
	Type MessageType     `json:"type"`
	Seq  uint64          `json:"seq,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Encode marshals a payload into an envelope of the given type.
func Encode(typ MessageType, seq uint64, payload any) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to marshal %s payload: %w", typ, err)
	}
	return Envelope{Type: typ, Seq: seq, Data: data}, nil
}

// JoinRequest registers the sender's identity on its connection.
// It is not acknowledged; the server answers with board_state and
// users_update pushes instead.
type JoinRequest struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Avatar   string `json:"avatar"`
	Initials string `json:"initials"`
}

// MoveTaskRequest relocates a task between (or within) columns.
type MoveTaskRequest struct {
	TaskID              string `json:"taskId"`
	SourceColumnID      string `json:"sourceColumnId"`
	DestinationColumnID string `json:"destinationColumnId"`
	DestinationIndex    int    `json:"destinationIndex"`
	Timestamp           string `json:"timestamp"`
}

// CreateTaskRequest inserts a caller-built task (id already assigned) at the
// head of a column.
type CreateTaskRequest struct {
	Task      board.Task `json:"task"`
	ColumnID  string     `json:"columnId"`
	Timestamp string     `json:"timestamp"`
}

// UpdateTaskRequest replaces a task in place wherever it resides.
type UpdateTaskRequest struct {
	Task      board.Task `json:"task"`
	Timestamp string     `json:"timestamp"`
}

// DeleteTaskRequest removes a task from the board.
type DeleteTaskRequest struct {
	TaskID    string `json:"taskId"`
	Timestamp string `json:"timestamp"`
}

// Ack is the server's answer to a single request. Exactly one of Success or
// Error is meaningful. Acks go to the requesting connection only.
type Ack struct {
	Success bool   `json:"success,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Wire error strings carried in acks.
const (
	ErrorUserNotFound   = "user not found"
	ErrorColumnNotFound = "column not found"
	ErrorTaskNotFound   = "task not found"
	ErrorInternal       = "internal server error"
)

// EventType tags a realtime event.
type EventType string

const (
	EventTaskMoved   EventType = "task_moved"
	EventTaskCreated EventType = "task_created"
	EventTaskUpdated EventType = "task_updated"
	EventTaskDeleted EventType = "task_deleted"
	EventUserJoined  EventType = "user_joined"
	EventUserLeft    EventType = "user_left"
)

// Event describes one confirmed state change, broadcast to every connection
// except the originator. Data carries the post-mutation canonical payload,
// not the request's raw input.
type Event struct {
	Type      EventType       `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	UserID    string          `json:"userId"`
	UserName  string          `json:"userName"`
	Timestamp string          `json:"timestamp"`
}

// TaskMovedData is the payload of a task_moved event.
type TaskMovedData struct {
	TaskID              string `json:"taskId"`
	SourceColumnID      string `json:"sourceColumnId"`
	DestinationColumnID string `json:"destinationColumnId"`
	DestinationIndex    int    `json:"destinationIndex"`
}

// TaskCreatedData is the payload of a task_created event.
type TaskCreatedData struct {
	Task     board.Task `json:"task"`
	ColumnID string     `json:"columnId"`
}

// TaskUpdatedData is the payload of a task_updated event.
type TaskUpdatedData struct {
	Task board.Task `json:"task"`
}

// TaskDeletedData is the payload of a task_deleted event.
type TaskDeletedData struct {
	TaskID string `json:"taskId"`
}

// UserData is the payload of user_joined and user_left events.
type UserData struct {
	User session.User `json:"user"`
}

// NewEvent builds an event of the given type, marshaling the payload.
func NewEvent(typ EventType, payload any, userID, userName, timestamp string) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("failed to marshal %s event: %w", typ, err)
	}
	return Event{
		Type:      typ,
		Data:      data,
		UserID:    userID,
		UserName:  userName,
		Timestamp: timestamp,
	}, nil
}

// timestampLayout is RFC3339 with millisecond precision. Whole seconds are
// too coarse for the conflict rule: concurrent edits land within the same
// second and a strictly-newer comparison must still order them.
const timestampLayout = "2006-01-02T15:04:05.000Z07:00"

// Timestamp formats t the way every timestamp travels on the wire.
func Timestamp(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

// ParseTimestamp parses a wire timestamp, with or without a fractional part.
func ParseTimestamp(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}
