package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/btimofeyev/dewey/internal/protocol"
	"github.com/btimofeyev/dewey/internal/relay"
	"github.com/btimofeyev/dewey/internal/store"
)

const (
	// handshakeWait bounds how long a client may take to send session.start
	handshakeWait = 10 * time.Second

	// writeWait is the per-message write deadline
	writeWait = 10 * time.Second

	// maxParseErrors is how many consecutive malformed messages a client
	// may send before the session is terminated
	maxParseErrors = 3
)

// handleStream implements the GET /v1/stream WebSocket endpoint
func (h *HTTPServer) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed",
			slog.String("remote", r.RemoteAddr),
			slog.String("error", err.Error()),
		)
		return
	}
	defer conn.Close()

	conn.SetReadLimit(h.config.Server.MaxFrameSize)

	session, err := h.openSession(r.Context(), conn)
	if err != nil {
		h.logger.Info("Stream handshake rejected",
			slog.String("remote", r.RemoteAddr),
			slog.String("error", err.Error()),
		)
		return
	}

	h.logger.Info("Stream session opened",
		slog.String("session_id", session.ID),
		slog.String("profile_id", session.ProfileID),
		slog.String("remote", r.RemoteAddr),
	)

	writerDone := make(chan struct{})
	go h.writeLoop(conn, session, writerDone)

	h.readLoop(conn, session)

	h.relayMgr.RemoveSession(session.ID)
	<-writerDone
}

// openSession performs the session.start handshake and creates the relay
// session. On failure an error envelope is written directly to the socket.
func (h *HTTPServer) openSession(ctx context.Context, conn *websocket.Conn) (*relay.Session, error) {
	_ = conn.SetReadDeadline(time.Now().Add(handshakeWait))

	messageType, data, err := conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("handshake read: %w", err)
	}

	if messageType != websocket.TextMessage {
		h.writeErrorDirect(conn, protocol.ErrCodeNotReady, "session.start must precede audio", true)
		return nil, fmt.Errorf("first message was not a control envelope")
	}

	env, err := protocol.ParseEnvelope(data)
	if err != nil {
		h.writeErrorDirect(conn, protocol.ErrCodeBadFrame, "invalid control envelope", true)
		return nil, err
	}

	if env.Type != protocol.TypeSessionStart {
		h.writeErrorDirect(conn, protocol.ErrCodeNotReady, "expected session.start", true)
		return nil, fmt.Errorf("unexpected handshake envelope: %s", env.Type)
	}

	if env.ProfileID == "" {
		h.writeErrorDirect(conn, protocol.ErrCodeBadFrame, "profile_id is required", true)
		return nil, fmt.Errorf("session.start missing profile_id")
	}

	if env.SampleRate != 0 && env.SampleRate != h.config.Audio.InputSampleRate {
		h.writeErrorDirect(conn, protocol.ErrCodeBadFrame,
			fmt.Sprintf("unsupported sample rate, expected %d Hz", h.config.Audio.InputSampleRate), true)
		return nil, fmt.Errorf("unsupported client sample rate: %d", env.SampleRate)
	}

	session, err := h.relayMgr.CreateSession(ctx, env.ProfileID)
	if err != nil {
		switch {
		case errors.Is(err, relay.ErrSessionLimit):
			h.writeErrorDirect(conn, protocol.ErrCodeInternal, "server is at capacity, try again soon", true)
		case errors.Is(err, store.ErrNotFound):
			h.writeErrorDirect(conn, protocol.ErrCodeBadFrame, "unknown profile", true)
		default:
			h.writeErrorDirect(conn, protocol.ErrCodeUpstream, "answer service unavailable", true)
		}
		return nil, err
	}

	_ = conn.SetReadDeadline(time.Time{})

	session.QueueReady()

	return session, nil
}

// readLoop consumes client messages until the connection ends or the
// client misbehaves past the parse error limit
func (h *HTTPServer) readLoop(conn *websocket.Conn, session *relay.Session) {
	parseErrors := 0

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			h.logger.Debug("Stream read ended",
				slog.String("session_id", session.ID),
				slog.String("error", err.Error()),
			)
			return
		}

		switch messageType {
		case websocket.BinaryMessage:
			frame, err := protocol.ParseFrame(data)
			if err != nil {
				parseErrors++
				h.metrics.RecordParseError()
				fatal := parseErrors >= maxParseErrors
				session.QueueError(protocol.ErrCodeBadFrame, "invalid audio frame", fatal)
				if fatal {
					h.logger.Warn("Terminating session after repeated parse errors",
						slog.String("session_id", session.ID),
						slog.Int("parse_errors", parseErrors),
					)
					return
				}
				continue
			}
			parseErrors = 0

			if err := session.HandleFrame(frame); err != nil {
				session.QueueError(protocol.ErrCodeBadFrame, err.Error(), false)
			}

		case websocket.TextMessage:
			env, err := protocol.ParseEnvelope(data)
			if err != nil {
				parseErrors++
				h.metrics.RecordParseError()
				fatal := parseErrors >= maxParseErrors
				session.QueueError(protocol.ErrCodeBadFrame, "invalid control envelope", fatal)
				if fatal {
					return
				}
				continue
			}
			parseErrors = 0

			switch env.Type {
			case protocol.TypeUtteranceEnd:
				if err := session.EndUtterance(); err != nil {
					h.logger.Error("Failed to end utterance",
						slog.String("session_id", session.ID),
						slog.String("error", err.Error()),
					)
					session.QueueError(protocol.ErrCodeUpstream, "could not finish the question", false)
				}

			case protocol.TypeSessionEnd:
				h.logger.Info("Client ended session",
					slog.String("session_id", session.ID),
				)
				return

			default:
				h.logger.Debug("Ignoring unexpected envelope",
					slog.String("session_id", session.ID),
					slog.String("type", env.Type),
				)
			}
		}
	}
}

// writeLoop delivers outbound messages to the client. It owns all writes
// to the socket and closes it when the session's queue is exhausted.
func (h *HTTPServer) writeLoop(conn *websocket.Conn, session *relay.Session, done chan struct{}) {
	defer close(done)
	defer conn.Close()

	for {
		item, ok := session.NextOutbound(context.Background())
		if !ok {
			return
		}

		messageType := websocket.TextMessage
		if item.Binary {
			messageType = websocket.BinaryMessage
		}

		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(messageType, item.Data); err != nil {
			h.logger.Debug("Stream write ended",
				slog.String("session_id", session.ID),
				slog.String("error", err.Error()),
			)
			return
		}
	}
}

// writeErrorDirect writes an error envelope before a relay session exists
func (h *HTTPServer) writeErrorDirect(conn *websocket.Conn, code, message string, fatal bool) {
	data, err := protocol.EncodeEnvelope(protocol.ErrorEnvelope(code, message, fatal))
	if err != nil {
		return
	}

	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteMessage(websocket.TextMessage, data)
}
