// Package command handles inbound client frames of the form
// {"type": "...", "seq": n, "payload": {...}}. Every frame gets exactly one
// ack or error reply addressed to the sending connection.
package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/tidwall/gjson"

	"github.com/emberwake/relay/internal/events"
	"github.com/emberwake/relay/internal/guard"
	"github.com/emberwake/relay/internal/logging"
	"github.com/emberwake/relay/internal/loot"
	"github.com/emberwake/relay/internal/models"
	"github.com/emberwake/relay/internal/ratelimit"
)

// Command types.
const (
	TypePing           = "ping"
	TypeSay            = "say"
	TypePartySay       = "party.say"
	TypeContainerOpen  = "container.open"
	TypeContainerTake  = "container.take"
	TypeContainerClose = "container.close"
)

// Rate-limit classes.
const (
	ClassPing = "ping"
	ClassChat = "chat"
	ClassLoot = "loot"
)

const maxTextLen = 500

// Error codes sent to clients.
const (
	CodeBadRequest  = "bad_request"
	CodeUnknown     = "unknown_command"
	CodeBusy        = "busy"
	CodeRateLimited = "rate_limited"
	CodeNotHere     = "not_here"
	CodeNoItem      = "no_item"
	CodeNoParty     = "no_party"
	CodeInternal    = "internal"
)

// MsgBusy is shown when a guarded object is held by someone else or the
// client's token went stale.
const MsgBusy = "someone else is already interacting with this"

var (
	errBadRequest = errors.New("bad request")
	errNoParty    = errors.New("not in a party")
	errNowhere    = errors.New("not in any location")
)

// Locator reports where an identity is and which party it belongs to.
type Locator interface {
	LocationOf(identity string) (string, bool)
}

// PartyLookup reports an identity's party.
type PartyLookup interface {
	PartyOf(identity string) (string, bool)
}

// Caller identifies who sent a frame.
type Caller struct {
	IdentityID   string
	ConnectionID string
}

type handlerFunc func(ctx context.Context, c Caller, payload gjson.Result) (any, error)

// Dispatcher routes frames to handlers after rate limiting.
type Dispatcher struct {
	limiter *ratelimit.Limiter
	loot    *loot.Service
	pub     events.Publisher
	where   Locator
	parties PartyLookup
	logger  *slog.Logger

	handlers map[string]handlerFunc
	classes  map[string]string
}

func New(limiter *ratelimit.Limiter, lootSvc *loot.Service, pub events.Publisher, where Locator, parties PartyLookup, logger *slog.Logger) *Dispatcher {
	d := &Dispatcher{
		limiter: limiter,
		loot:    lootSvc,
		pub:     pub,
		where:   where,
		parties: parties,
		logger:  logger.With("component", "command"),
	}
	d.handlers = map[string]handlerFunc{
		TypePing:           d.ping,
		TypeSay:            d.say,
		TypePartySay:       d.partySay,
		TypeContainerOpen:  d.containerOpen,
		TypeContainerTake:  d.containerTake,
		TypeContainerClose: d.containerClose,
	}
	d.classes = map[string]string{
		TypePing:           ClassPing,
		TypeSay:            ClassChat,
		TypePartySay:       ClassChat,
		TypeContainerOpen:  ClassLoot,
		TypeContainerTake:  ClassLoot,
		TypeContainerClose: ClassLoot,
	}
	return d
}

// Class returns the rate-limit class of a command type.
func (d *Dispatcher) Class(typ string) string {
	return d.classes[typ]
}

// Handle processes one raw frame and returns the reply for the caller.
func (d *Dispatcher) Handle(ctx context.Context, c Caller, raw []byte) (reply models.Reply) {
	if !gjson.ValidBytes(raw) {
		return errorReply(0, CodeBadRequest, "malformed frame", 0)
	}
	frame := gjson.ParseBytes(raw)
	typ := frame.Get("type").String()
	seq := frame.Get("seq").Int()

	h, ok := d.handlers[typ]
	if !ok {
		return errorReply(seq, CodeUnknown, fmt.Sprintf("unknown command %q", typ), 0)
	}
	if class := d.classes[typ]; class != "" && d.limiter != nil {
		if err := d.limiter.Check(c.IdentityID, class); err != nil {
			return d.toReply(ctx, c, typ, seq, err)
		}
	}

	defer func() {
		if r := recover(); r != nil {
			d.logger.ErrorContext(ctx, "command panic", "command", typ, "identity_id", c.IdentityID, "panic", r)
			reply = errorReply(seq, CodeInternal, "something went wrong", 0)
		}
	}()
	body, err := h(ctx, c, frame.Get("payload"))
	if err != nil {
		return d.toReply(ctx, c, typ, seq, err)
	}
	return models.Reply{Type: models.ReplyTypeAck, Seq: seq, Body: body}
}

func errorReply(seq int64, code, msg string, retryMs int64) models.Reply {
	return models.Reply{
		Type:  models.ReplyTypeError,
		Seq:   seq,
		Error: &models.ReplyError{Code: code, Message: msg, RetryAfterMs: retryMs},
	}
}

// toReply maps typed errors to user-facing replies.
func (d *Dispatcher) toReply(ctx context.Context, c Caller, typ string, seq int64, err error) models.Reply {
	var rl *ratelimit.Error
	switch {
	case errors.As(err, &rl):
		logging.LogSecurityEvent(logging.UpdateRequestAttrs(ctx, c.IdentityID, c.ConnectionID),
			logging.SecurityEventCommandThrottle, "command rate limit exceeded")
		return errorReply(seq, CodeRateLimited, fmt.Sprintf("slow down, try again in %ds", rl.Seconds()), rl.RetryAfter.Milliseconds())
	case errors.Is(err, guard.ErrAlreadyHeld), errors.Is(err, guard.ErrStaleToken):
		return errorReply(seq, CodeBusy, MsgBusy, 0)
	case errors.Is(err, loot.ErrNotHere):
		return errorReply(seq, CodeNotHere, "that is not here", 0)
	case errors.Is(err, loot.ErrNoSuchItem):
		return errorReply(seq, CodeNoItem, "there is not enough of that in here", 0)
	case errors.Is(err, errNowhere):
		return errorReply(seq, CodeNotHere, "you are not anywhere", 0)
	case errors.Is(err, errNoParty):
		return errorReply(seq, CodeNoParty, "you are not in a party", 0)
	case errors.Is(err, errBadRequest), errors.Is(err, loot.ErrBadQuantity):
		return errorReply(seq, CodeBadRequest, err.Error(), 0)
	}
	d.logger.ErrorContext(ctx, "command failed",
		"command", typ,
		"identity_id", c.IdentityID,
		"connection_id", c.ConnectionID,
		"error", err,
	)
	return errorReply(seq, CodeInternal, "something went wrong", 0)
}

func required(payload gjson.Result, field string) (string, error) {
	v := strings.TrimSpace(payload.Get(field).String())
	if v == "" {
		return "", fmt.Errorf("%w: %s is required", errBadRequest, field)
	}
	return v, nil
}

func text(payload gjson.Result) (string, error) {
	t, err := required(payload, "text")
	if err != nil {
		return "", err
	}
	if utf8.RuneCountInString(t) > maxTextLen {
		return "", fmt.Errorf("%w: text longer than %d characters", errBadRequest, maxTextLen)
	}
	return t, nil
}

func (d *Dispatcher) ping(context.Context, Caller, gjson.Result) (any, error) {
	return map[string]bool{"pong": true}, nil
}

func (d *Dispatcher) say(ctx context.Context, c Caller, payload gjson.Result) (any, error) {
	t, err := text(payload)
	if err != nil {
		return nil, err
	}
	loc, ok := d.where.LocationOf(c.IdentityID)
	if !ok {
		return nil, errNowhere
	}
	d.pub.Publish(ctx, events.New(events.TypeSay, c.IdentityID,
		events.Say{SpeakerID: c.IdentityID, LocationID: loc, Text: t}, "", loc))
	return nil, nil
}

func (d *Dispatcher) partySay(ctx context.Context, c Caller, payload gjson.Result) (any, error) {
	t, err := text(payload)
	if err != nil {
		return nil, err
	}
	party, ok := d.parties.PartyOf(c.IdentityID)
	if !ok {
		return nil, errNoParty
	}
	d.pub.Publish(ctx, events.New(events.TypePartySay, c.IdentityID,
		events.PartySay{SpeakerID: c.IdentityID, PartyID: party, Text: t}, ""))
	return nil, nil
}

func (d *Dispatcher) containerOpen(ctx context.Context, c Caller, payload gjson.Result) (any, error) {
	id, err := required(payload, "containerId")
	if err != nil {
		return nil, err
	}
	opened, err := d.loot.Open(ctx, c.IdentityID, id)
	if err != nil {
		return nil, err
	}
	return models.ContainerOpenedReply{
		ContainerID: id,
		Token:       opened.Token.Value,
		ExpiresAt:   opened.Token.ExpiresAt,
		Items:       opened.Items,
	}, nil
}

func (d *Dispatcher) containerTake(ctx context.Context, c Caller, payload gjson.Result) (any, error) {
	id, err := required(payload, "containerId")
	if err != nil {
		return nil, err
	}
	token, err := required(payload, "token")
	if err != nil {
		return nil, err
	}
	item, err := required(payload, "itemId")
	if err != nil {
		return nil, err
	}
	qty := 1
	if q := payload.Get("quantity"); q.Exists() {
		qty = int(q.Int())
	}
	return d.loot.Take(ctx, c.IdentityID, id, token, item, qty)
}

func (d *Dispatcher) containerClose(ctx context.Context, c Caller, payload gjson.Result) (any, error) {
	id, err := required(payload, "containerId")
	if err != nil {
		return nil, err
	}
	token, err := required(payload, "token")
	if err != nil {
		return nil, err
	}
	return nil, d.loot.Close(ctx, c.IdentityID, id, token)
}
