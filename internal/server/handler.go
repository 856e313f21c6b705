package server

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/boardsync/boardsync/internal/board"
	"github.com/boardsync/boardsync/internal/protocol"
	"github.com/boardsync/boardsync/internal/session"
)

// dispatch routes one inbound frame. A panic inside a handler is converted
// to a generic internal-error ack so a malformed request cannot take the
// process down.
func (s *Server) dispatch(cn *conn, frame []byte) {
	var env protocol.Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		s.logger.WithField("conn", cn.id).WithError(err).Warn("unparseable frame")
		return
	}

	defer func() {
		if r := recover(); r != nil {
			s.logger.WithFields(logrus.Fields{"conn": cn.id, "panic": r}).Error("request handler panicked")
			if env.Seq != 0 {
				s.ack(cn, env.Seq, protocol.ErrorInternal)
			}
		}
	}()

	switch env.Type {
	case protocol.MessageJoin:
		s.handleJoin(cn, env.Data)
	case protocol.MessageMoveTask:
		s.handleMutation(cn, env.Seq, s.applyMove, env.Data)
	case protocol.MessageCreateTask:
		s.handleMutation(cn, env.Seq, s.applyCreate, env.Data)
	case protocol.MessageUpdateTask:
		s.handleMutation(cn, env.Seq, s.applyUpdate, env.Data)
	case protocol.MessageDeleteTask:
		s.handleMutation(cn, env.Seq, s.applyDelete, env.Data)
	default:
		s.logger.WithFields(logrus.Fields{"conn": cn.id, "type": env.Type}).Warn("unknown message type")
	}
}

// ack answers exactly one request. An empty errMsg acknowledges success.
// The ack goes to the requesting connection only, never broadcast.
func (s *Server) ack(cn *conn, seq uint64, errMsg string) {
	payload := protocol.Ack{Success: errMsg == "", Error: errMsg}
	env, err := protocol.Encode(protocol.MessageAck, seq, payload)
	if err != nil {
		s.logger.WithError(err).Error("failed to encode ack")
		return
	}
	s.send(cn, env)
}

// handleJoin registers the session, syncs the new client with a full board
// snapshot, announces the arrival to everyone else, and refreshes the
// presence list for all connections including the new one.
func (s *Server) handleJoin(cn *conn, data json.RawMessage) {
	var req protocol.JoinRequest
	if err := json.Unmarshal(data, &req); err != nil {
		s.logger.WithField("conn", cn.id).WithError(err).Warn("malformed join")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	user := s.sessions.Join(cn.id, session.User{
		ID:       req.ID,
		Name:     req.Name,
		Avatar:   req.Avatar,
		Initials: req.Initials,
	})

	if env, err := protocol.Encode(protocol.MessageBoardState, 0, s.store.Snapshot()); err == nil {
		s.send(cn, env)
	} else {
		s.logger.WithError(err).Error("failed to encode board snapshot")
	}

	ev, err := protocol.NewEvent(protocol.EventUserJoined, protocol.UserData{User: user},
		user.ID, user.Name, protocol.Timestamp(time.Now()))
	if err == nil {
		if env, err := protocol.Encode(protocol.MessageEvent, 0, ev); err == nil {
			s.broadcastExcept(cn.id, env)
		}
	}

	s.pushPresence()
	s.logger.WithFields(logrus.Fields{"conn": cn.id, "user": user.Name}).Info("user joined")
}

// mutationFunc validates and applies one mutation against the store and
// returns the confirmed event to broadcast. It runs with s.mu held.
type mutationFunc func(user session.User, data json.RawMessage) (protocol.Event, error)

// handleMutation runs the full request cycle under the handler lock:
// resolve user, validate and apply, enqueue the broadcast, enqueue the ack.
// A failed request leaves the store untouched and is acked with its error.
func (s *Server) handleMutation(cn *conn, seq uint64, apply mutationFunc, data json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.sessions.Lookup(cn.id)
	if !ok {
		s.ack(cn, seq, protocol.ErrorUserNotFound)
		return
	}

	ev, err := apply(user, data)
	if err != nil {
		s.ack(cn, seq, errorString(err))
		return
	}

	env, err := protocol.Encode(protocol.MessageEvent, 0, ev)
	if err != nil {
		s.logger.WithError(err).Error("failed to encode event")
		s.ack(cn, seq, protocol.ErrorInternal)
		return
	}
	s.broadcastExcept(cn.id, env)
	s.ack(cn, seq, "")
}

func (s *Server) applyMove(user session.User, data json.RawMessage) (protocol.Event, error) {
	var req protocol.MoveTaskRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return protocol.Event{}, err
	}

	if _, err := s.store.MoveTask(req.TaskID, req.SourceColumnID, req.DestinationColumnID,
		req.DestinationIndex, req.Timestamp, user.Name); err != nil {
		return protocol.Event{}, err
	}

	s.logger.WithFields(logrus.Fields{
		"user": user.Name, "task": req.TaskID,
		"from": req.SourceColumnID, "to": req.DestinationColumnID,
	}).Info("task moved")

	return protocol.NewEvent(protocol.EventTaskMoved, protocol.TaskMovedData{
		TaskID:              req.TaskID,
		SourceColumnID:      req.SourceColumnID,
		DestinationColumnID: req.DestinationColumnID,
		DestinationIndex:    req.DestinationIndex,
	}, user.ID, user.Name, req.Timestamp)
}

func (s *Server) applyCreate(user session.User, data json.RawMessage) (protocol.Event, error) {
	var req protocol.CreateTaskRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return protocol.Event{}, err
	}

	created, err := s.store.InsertTask(req.ColumnID, req.Task, req.Timestamp, user.Name)
	if err != nil {
		return protocol.Event{}, err
	}

	s.logger.WithFields(logrus.Fields{"user": user.Name, "task": created.ID, "title": created.Title}).Info("task created")

	return protocol.NewEvent(protocol.EventTaskCreated, protocol.TaskCreatedData{
		Task:     created,
		ColumnID: req.ColumnID,
	}, user.ID, user.Name, req.Timestamp)
}

func (s *Server) applyUpdate(user session.User, data json.RawMessage) (protocol.Event, error) {
	var req protocol.UpdateTaskRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return protocol.Event{}, err
	}

	updated, err := s.store.UpdateTask(req.Task, req.Timestamp, user.Name)
	if err != nil {
		return protocol.Event{}, err
	}

	s.logger.WithFields(logrus.Fields{"user": user.Name, "task": updated.ID}).Info("task updated")

	return protocol.NewEvent(protocol.EventTaskUpdated, protocol.TaskUpdatedData{
		Task: updated,
	}, user.ID, user.Name, req.Timestamp)
}

func (s *Server) applyDelete(user session.User, data json.RawMessage) (protocol.Event, error) {
	var req protocol.DeleteTaskRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return protocol.Event{}, err
	}

	if _, err := s.store.RemoveTask(req.TaskID); err != nil {
		return protocol.Event{}, err
	}

	s.logger.WithFields(logrus.Fields{"user": user.Name, "task": req.TaskID}).Info("task deleted")

	return protocol.NewEvent(protocol.EventTaskDeleted, protocol.TaskDeletedData{
		TaskID: req.TaskID,
	}, user.ID, user.Name, req.Timestamp)
}

// errorString maps store errors onto the wire taxonomy. Anything
// unrecognized (including malformed payloads) becomes a generic internal
// error rather than leaking details to the client.
func errorString(err error) string {
	switch {
	case errors.Is(err, board.ErrColumnNotFound):
		return protocol.ErrorColumnNotFound
	case errors.Is(err, board.ErrTaskNotFound):
		return protocol.ErrorTaskNotFound
	default:
		return protocol.ErrorInternal
	}
}
