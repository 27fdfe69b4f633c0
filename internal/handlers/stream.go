package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/emberwake/relay/internal/command"
	"github.com/emberwake/relay/internal/logging"
	"github.com/emberwake/relay/internal/middleware"
	"github.com/emberwake/relay/internal/models"
	"github.com/emberwake/relay/internal/session"
)

// ResumeQueryParam names the previous connection a client is replacing.
const ResumeQueryParam = "resume"

// Sessions is the part of the session registry the transports use.
type Sessions interface {
	Open(identity string) *session.Connection
	Register(ctx context.Context, identity string, c *session.Connection) error
	Evict(identity, connectionID, reason string) bool
	PumpOptions() session.PumpOptions
}

// Commands handles inbound client frames.
type Commands interface {
	Handle(ctx context.Context, c command.Caller, raw []byte) models.Reply
}

// StreamConfig tunes the transports.
type StreamConfig struct {
	HeartbeatInterval time.Duration
	WriteTimeout      time.Duration
	// OriginPatterns are passed to the WebSocket origin check.
	OriginPatterns []string
	MaxFrameBytes  int64
}

// StreamHandler serves the WebSocket and SSE transports. Both register a
// session connection and hand its outbound queue to a writer; WebSocket
// clients may also send commands.
type StreamHandler struct {
	sessions Sessions
	commands Commands
	cfg      StreamConfig
	logger   *slog.Logger
}

// NewStreamHandler creates a StreamHandler.
func NewStreamHandler(sessions Sessions, commands Commands, cfg StreamConfig, logger *slog.Logger) *StreamHandler {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.MaxFrameBytes <= 0 {
		cfg.MaxFrameBytes = 4096
	}
	return &StreamHandler{
		sessions: sessions,
		commands: commands,
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "transport")),
	}
}

// open registers a connection for the authenticated identity and applies a
// resume request. It writes the HTTP error itself when registration fails.
func (h *StreamHandler) open(w http.ResponseWriter, r *http.Request) (*session.Connection, *http.Request, bool) {
	claims := middleware.GetClaims(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "missing identity")
		return nil, r, false
	}
	identity := claims.IdentityID()

	c := h.sessions.Open(identity)
	if err := h.sessions.Register(r.Context(), identity, c); err != nil {
		switch {
		case errors.Is(err, session.ErrTooManyConnections):
			writeError(w, http.StatusTooManyRequests, "too many connections for this identity")
		case errors.Is(err, session.ErrClosed):
			writeError(w, http.StatusServiceUnavailable, "server is shutting down")
		default:
			writeErrorWithCause(r.Context(), w, http.StatusInternalServerError, "failed to register connection", err)
		}
		return nil, r, false
	}
	r = r.WithContext(logging.UpdateRequestAttrs(r.Context(), identity, c.ID()))

	if prev := r.URL.Query().Get(ResumeQueryParam); prev != "" && prev != c.ID() {
		if h.sessions.Evict(identity, prev, session.ReasonResumed) {
			h.logger.Info("connection resumed",
				slog.String("identity_id", identity),
				slog.String("connection_id", c.ID()),
				slog.String("previous_connection_id", prev),
			)
		}
	}
	return c, r, true
}

func (h *StreamHandler) hello(c *session.Connection) models.Hello {
	return models.Hello{
		Type:         models.FrameTypeHello,
		ConnectionID: c.ID(),
		IdentityID:   c.Identity(),
		ServerTime:   time.Now().UTC(),
	}
}

// heartbeat probes the client every interval. A successful probe counts as
// activity for the idle sweep; a failed one closes the connection.
func (h *StreamHandler) heartbeat(ctx context.Context, c *session.Connection, probe func(ctx context.Context) error) {
	ticker := time.NewTicker(h.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.Done():
			return
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, h.cfg.WriteTimeout)
			err := probe(pctx)
			cancel()
			if err != nil {
				if ctx.Err() == nil {
					h.logger.Debug("heartbeat failed", slog.String("connection_id", c.ID()), slog.Any("error", err))
					c.Close(session.ReasonIdle)
				}
				return
			}
			c.Touch()
		}
	}
}
