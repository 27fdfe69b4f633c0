package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/emberwake/relay/internal/command"
	"github.com/emberwake/relay/internal/logging"
	"github.com/emberwake/relay/internal/session"
	"github.com/emberwake/relay/internal/transform"
)

// wsWriter writes pumped messages as text frames.
type wsWriter struct {
	conn *websocket.Conn
}

func (w wsWriter) Write(ctx context.Context, msg transform.Message) error {
	payload, err := json.Marshal(msg.Frame())
	if err != nil {
		return session.Transient(fmt.Errorf("encode %s: %w", msg.Type, err))
	}
	return w.conn.Write(ctx, websocket.MessageText, payload)
}

// closeStatus maps a connection close reason to a WebSocket status code.
func closeStatus(reason string) websocket.StatusCode {
	switch reason {
	case session.ReasonShutdown:
		return websocket.StatusGoingAway
	case session.ReasonBackpress:
		return websocket.StatusTryAgainLater
	case session.ReasonSuperseded, session.ReasonResumed:
		return websocket.StatusPolicyViolation
	case session.ReasonWrite:
		return websocket.StatusInternalError
	}
	return websocket.StatusNormalClosure
}

// WebSocket upgrades the request, registers the connection and runs it until
// either side closes. The first frame is a hello carrying the connection id;
// after that the client receives messages and replies to its own commands.
func (h *StreamHandler) WebSocket(w http.ResponseWriter, r *http.Request) {
	c, r, ok := h.open(w, r)
	if !ok {
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.cfg.OriginPatterns,
	})
	if err != nil {
		c.Close(session.ReasonClient)
		logging.LogErrorWithStatus(r.Context(), http.StatusBadRequest, "websocket accept failed", err)
		return
	}
	ws.SetReadLimit(h.cfg.MaxFrameBytes)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	logger := h.logger.With(slog.String("identity_id", c.Identity()), slog.String("connection_id", c.ID()))

	if err := h.writeFrame(ctx, ws, h.hello(c)); err != nil {
		logger.Debug("hello write failed", slog.Any("error", err))
		c.Close(session.ReasonWrite)
		ws.CloseNow()
		return
	}

	pumped := make(chan struct{})
	go func() {
		defer close(pumped)
		c.Pump(ctx, wsWriter{conn: ws}, h.sessions.PumpOptions())
	}()
	go h.heartbeat(ctx, c, ws.Ping)
	go func() {
		// Eviction, backpressure and shutdown close the session side first.
		select {
		case <-c.Done():
			ws.Close(closeStatus(c.Reason()), c.Reason())
		case <-ctx.Done():
		}
	}()

	caller := command.Caller{IdentityID: c.Identity(), ConnectionID: c.ID()}
	for {
		typ, data, err := ws.Read(ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status == -1 && !errors.Is(err, context.Canceled) {
				logger.Debug("websocket read ended", slog.Any("error", err))
			}
			break
		}
		c.Touch()
		if typ != websocket.MessageText {
			continue
		}
		reply := h.commands.Handle(ctx, caller, data)
		if err := h.writeFrame(ctx, ws, reply); err != nil {
			logger.Debug("reply write failed", slog.Any("error", err))
			break
		}
	}

	c.Close(session.ReasonClient)
	cancel()
	<-pumped
	ws.CloseNow()
}

func (h *StreamHandler) writeFrame(ctx context.Context, ws *websocket.Conn, v any) error {
	wctx, cancel := context.WithTimeout(ctx, h.cfg.WriteTimeout)
	defer cancel()
	return wsjson.Write(wctx, ws, v)
}
