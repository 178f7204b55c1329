package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"go-chat-stream/internal/broker"
	"go-chat-stream/internal/models"
)

const wsWriteWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// eventWriter delivers one event to the client.
type eventWriter func(ev models.StreamEvent) error

// relay forwards events from sub until a terminal one was written, the client
// goes away or the subscription ends. When nothing is pending for the
// conversation the stream is finished with Done. That is checked once after
// subscribing and again every recheck interval, which also ends streams that
// joined after the job published its last event.
func (s *Server) relay(ctx context.Context, convID string, sub broker.Subscription, write eventWriter) {
	if !s.stillPending(ctx, convID, sub, write) {
		return
	}

	ticker := time.NewTicker(s.recheck)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Debug("Stream client went away", "conversationID", convID)
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			if done, err := forward(ev, write); done {
				if err != nil {
					slog.Debug("Stream write failed", "conversationID", convID, "error", err)
				}
				return
			}
		case <-ticker.C:
			if s.stillPending(ctx, convID, sub, write) {
				continue
			}
			slog.Debug("Job finished without a terminal event on this stream", "conversationID", convID)
			return
		}
	}
}

// stillPending reports whether a job for the conversation is queued or running.
// When there is none it flushes events already received and ends the stream.
func (s *Server) stillPending(ctx context.Context, convID string, sub broker.Subscription, write eventWriter) bool {
	pending, err := s.pending.Pending(ctx, convID)
	if err != nil {
		if ctx.Err() == nil {
			slog.Error("Failed to check pending jobs", "conversationID", convID, "error", err)
			_ = write(models.Error("stream unavailable"))
		}
		return false
	}
	if pending {
		return true
	}
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return false
			}
			if done, _ := forward(ev, write); done {
				return false
			}
		default:
			_ = write(models.Done())
			return false
		}
	}
}

// forward writes ev and reports whether the stream is over.
func forward(ev models.StreamEvent, write eventWriter) (bool, error) {
	if err := write(ev); err != nil {
		return true, err
	}
	return ev.Terminal(), nil
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	convID, ok := s.ownedConversation(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	sub, err := s.broker.Subscribe(ctx, convID)
	if err != nil {
		s.respondDomainError(w, fmt.Errorf("subscribe to %s: %w", convID, err))
		return
	}
	defer sub.Close()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	rc := http.NewResponseController(w)
	_ = rc.Flush()

	s.relay(ctx, convID, sub, func(ev models.StreamEvent) error {
		data, err := broker.Encode(ev)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return err
		}
		return rc.Flush()
	})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	convID, ok := s.ownedConversation(w, r)
	if !ok {
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("WebSocket upgrade failed", "conversationID", convID, "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Reading is only needed to notice the client closing the connection.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					slog.Warn("WebSocket error", "conversationID", convID, "error", err)
				}
				return
			}
		}
	}()

	sub, err := s.broker.Subscribe(ctx, convID)
	if err != nil {
		slog.Error("Failed to subscribe", "conversationID", convID, "error", err)
		return
	}
	defer sub.Close()

	s.relay(ctx, convID, sub, func(ev models.StreamEvent) error {
		data, err := broker.Encode(ev)
		if err != nil {
			return err
		}
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		return conn.WriteMessage(websocket.TextMessage, data)
	})

	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}
