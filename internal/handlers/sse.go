package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/emberwake/relay/internal/session"
	"github.com/emberwake/relay/internal/transform"
)

// sseWriter writes pumped messages as Server-Sent Events. The pump and the
// heartbeat share it, so writes are serialized.
type sseWriter struct {
	mu sync.Mutex
	w  io.Writer
	rc *http.ResponseController
}

func (s *sseWriter) Write(ctx context.Context, msg transform.Message) error {
	data, err := json.Marshal(msg.Frame())
	if err != nil {
		return session.Transient(fmt.Errorf("encode %s: %w", msg.Type, err))
	}
	return s.event(ctx, msg.EventID, msg.Type, data)
}

func (s *sseWriter) event(ctx context.Context, id, name string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if dl, ok := ctx.Deadline(); ok {
		// Recorders and some proxies do not support deadlines.
		_ = s.rc.SetWriteDeadline(dl)
	}
	if id != "" {
		if _, err := fmt.Fprintf(s.w, "id: %s\n", id); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", name, data); err != nil {
		return err
	}
	return s.rc.Flush()
}

func (s *sseWriter) comment(ctx context.Context, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if dl, ok := ctx.Deadline(); ok {
		_ = s.rc.SetWriteDeadline(dl)
	}
	if _, err := fmt.Fprintf(s.w, ": %s\n\n", text); err != nil {
		return err
	}
	return s.rc.Flush()
}

// Stream opens a receive-only SSE connection. It sends a "hello" event with
// the connection id, then one event per message, named by message type. A
// heartbeat comment keeps the stream alive through proxies and counts as
// activity.
func (h *StreamHandler) Stream(w http.ResponseWriter, r *http.Request) {
	if _, ok := w.(http.Flusher); !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	c, r, ok := h.open(w, r)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sw := &sseWriter{w: w, rc: http.NewResponseController(w)}
	hello, err := json.Marshal(h.hello(c))
	if err != nil {
		c.Close(session.ReasonWrite)
		return
	}
	wctx, wcancel := context.WithTimeout(ctx, h.cfg.WriteTimeout)
	err = sw.event(wctx, "", "hello", hello)
	wcancel()
	if err != nil {
		c.Close(session.ReasonWrite)
		return
	}

	// The response writer must not be used after Stream returns.
	var writers sync.WaitGroup
	defer func() {
		cancel()
		writers.Wait()
	}()
	writers.Go(func() {
		c.Pump(ctx, sw, h.sessions.PumpOptions())
	})
	writers.Go(func() {
		h.heartbeat(ctx, c, func(ctx context.Context) error {
			return sw.comment(ctx, "heartbeat")
		})
	})

	select {
	case <-ctx.Done():
		c.Close(session.ReasonClient)
	case <-c.Done():
	}
}
