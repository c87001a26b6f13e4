// Copyright (C) 2025 Hexhaven (dev@hexhaven.org)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/hexhaven/teamsync/internal/instance"
	"github.com/hexhaven/teamsync/internal/observability"
	"github.com/hexhaven/teamsync/internal/protocol"
	"github.com/hexhaven/teamsync/internal/session"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// HandleSync upgrades the connection and runs the sync read loop.
//
// The first useful message is a subscribe: it attaches the session to the
// team instance and answers with the full snapshot. Mutations before a
// subscribe are rejected. All outbound traffic goes through the session's
// write pump; this goroutine only reads.
func (s *Server) HandleSync(c *gin.Context) {
	teamID := c.Param("teamID")
	if teamID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "team id must not be empty"})
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed",
			slog.String("team_id", teamID),
			slog.String("error", err.Error()))
		return
	}

	sess := session.New(teamID, ws, s.sessionCfg, s.logger)
	defer sess.Close()

	s.logger.Debug("websocket client connected",
		slog.String("team_id", teamID),
		slog.String("session_id", sess.ID))

	var inst *instance.Instance
	defer func() {
		if inst != nil {
			inst.Leave(sess)
		}
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("websocket read failed",
					slog.String("session_id", sess.ID),
					slog.String("error", err.Error()))
			}
			return
		}

		// A malformed frame costs the client an error reply, not the
		// connection.
		var msg protocol.ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.sendError(sess, "", "malformed message", false)
			continue
		}

		switch msg.Type {
		case protocol.TypeSubscribe:
			// Join queues the snapshot on the session itself, ordered
			// ahead of any subsequent broadcast.
			joined, _, err := s.registry.Join(c.Request.Context(), sess)
			if err != nil {
				s.sendError(sess, "", subscribeErrorMessage(err), retryable(err))
				if errors.Is(err, instance.ErrHydration) || errors.Is(err, instance.ErrRegistryClosed) {
					return
				}
				continue
			}
			if inst != nil && inst != joined {
				inst.Leave(sess)
			}
			inst = joined

		case protocol.TypeMutate:
			if inst == nil {
				s.sendError(sess, msg.Key, "subscribe before mutating", false)
				continue
			}
			if msg.Key == "" {
				s.sendError(sess, "", "mutate requires a key", false)
				continue
			}
			if !sess.AllowMutation() {
				// A client past its burst allowance is misbehaving, not
				// merely slow; cut it off rather than queue its writes.
				s.metrics.RecordSessionDropped(observability.DropRateLimited)
				s.sendError(sess, msg.Key, "mutation rate exceeded", true)
				s.logger.Warn("session exceeded mutation rate",
					slog.String("session_id", sess.ID),
					slog.String("team_id", teamID))
				return
			}

			if _, err := s.handleMutate(c.Request.Context(), sess, inst, msg); err != nil {
				// Instance suspended under us; drop our stale handle so a
				// fresh subscribe can revive the team.
				inst = nil
				s.sendError(sess, msg.Key, "team instance restarting, re-subscribe", true)
			}

		default:
			s.sendError(sess, "", "unknown message type", false)
		}
	}
}

// handleMutate runs one mutation and sends the requester-only reply.
// Applied broadcasts (which include the requester) are sent by the
// instance itself.
func (s *Server) handleMutate(ctx context.Context, sess *session.Session, inst *instance.Instance, msg protocol.ClientMessage) (instance.Outcome, error) {
	out, err := inst.Mutate(ctx, instance.MutationRequest{
		Key:         msg.Key,
		Value:       msg.Value,
		BaseVersion: msg.BaseVersion,
	})
	if errors.Is(err, instance.ErrSuspended) {
		return out, err
	}
	if err != nil {
		// Durable append failed: nothing was applied, the client may retry.
		s.sendError(sess, msg.Key, "write not persisted", true)
		return out, nil
	}

	if out.Conflict != nil {
		_ = sess.Send(protocol.NewRejected(msg.Key, *out.Conflict))
	}
	return out, nil
}

func (s *Server) sendError(sess *session.Session, key, message string, retryable bool) {
	_ = sess.Send(protocol.NewError(key, message, retryable))
}

func subscribeErrorMessage(err error) string {
	switch {
	case errors.Is(err, instance.ErrHydration):
		return "team state unavailable"
	case errors.Is(err, instance.ErrRegistryClosed):
		return "shutting down"
	default:
		return "subscribe failed"
	}
}

func retryable(err error) bool {
	return !errors.Is(err, instance.ErrHydration)
}
