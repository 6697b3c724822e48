// Package gateway bridges a NATS chat subject onto the board and
// governance routers. Inbound messages are deduplicated by message id
// so broker redelivery cannot mutate the board twice; replies are
// published to the message's reply subject when set, else to the
// configured reply subject.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/c360studio/taskplane/board"
	"github.com/c360studio/taskplane/governance"
)

// Reply types on the outbound envelope.
const (
	ReplyBoard      = "board"
	ReplyGovernance = "governance"
	ReplyReport     = "report"
	ReplyDuplicate  = "duplicate"
	ReplyError      = "error"
)

// Conn is the broker surface the gateway needs. *nats.Conn satisfies
// it.
type Conn interface {
	Publish(subject string, data []byte) error
	QueueSubscribe(subject, queue string, handler nats.MsgHandler) (*nats.Subscription, error)
}

// Connect dials the broker with the gateway's standard options.
func Connect(url, name string) (*nats.Conn, error) {
	return nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(5),
		nats.ReconnectWait(time.Second),
	)
}

// Message is one inbound chat command.
type Message struct {
	MessageID   string `json:"message_id"`
	ChannelType string `json:"channel_type,omitempty"`
	ChannelID   string `json:"channel_id,omitempty"`
	UserID      string `json:"user_id,omitempty"`
	Content     string `json:"content"`
	Timestamp   string `json:"timestamp,omitempty"`
}

// Response is the outbound reply envelope.
type Response struct {
	ResponseID  string `json:"response_id"`
	MessageID   string `json:"message_id,omitempty"`
	ChannelType string `json:"channel_type,omitempty"`
	ChannelID   string `json:"channel_id,omitempty"`
	UserID      string `json:"user_id,omitempty"`

	// Type classifies the reply: board, governance, report,
	// duplicate, or error.
	Type string `json:"type"`

	// OK is false only for rejected or unroutable commands.
	OK bool `json:"ok"`

	// Content is a short human-readable line.
	Content string `json:"content,omitempty"`

	// Payload carries the structured result envelope.
	Payload json.RawMessage `json:"payload,omitempty"`

	Timestamp string `json:"timestamp"`

	// permanent marks an error reply whose retry cannot succeed, so
	// dedup remembers the message anyway.
	permanent bool
}

// Config sets the gateway subjects and dedup window.
type Config struct {
	// Subject is the inbound command subject, wildcards allowed.
	Subject string `json:"subject" yaml:"subject"`

	// Queue is the queue group name shared by gateway replicas.
	Queue string `json:"queue" yaml:"queue"`

	// ReplySubject receives replies for messages without a reply
	// inbox.
	ReplySubject string `json:"replySubject" yaml:"reply_subject"`

	// SeenCap bounds the persisted dedup window.
	SeenCap int `json:"seenCap" yaml:"seen_cap"`

	// HandleTimeoutSec bounds one message's board work.
	HandleTimeoutSec int `json:"handleTimeoutSec" yaml:"handle_timeout_sec"`
}

// DefaultConfig returns the default gateway wiring.
func DefaultConfig() Config {
	return Config{
		Subject:          "taskplane.command.>",
		Queue:            "taskplane-gateway",
		ReplySubject:     "taskplane.reply",
		SeenCap:          defaultSeenCap,
		HandleTimeoutSec: 10,
	}
}

// Normalize fills zero fields from the defaults.
func (c *Config) Normalize() {
	def := DefaultConfig()
	if c.Subject == "" {
		c.Subject = def.Subject
	}
	if c.Queue == "" {
		c.Queue = def.Queue
	}
	if c.ReplySubject == "" {
		c.ReplySubject = def.ReplySubject
	}
	if c.SeenCap <= 0 {
		c.SeenCap = def.SeenCap
	}
	if c.HandleTimeoutSec <= 0 {
		c.HandleTimeoutSec = def.HandleTimeoutSec
	}
}

// Gateway consumes command messages and publishes reply envelopes.
type Gateway struct {
	conn   Conn
	board  *board.Board
	gov    *governance.Service
	cfg    Config
	logger *slog.Logger
	clock  func() time.Time

	mu   sync.Mutex
	seen *seenStore

	runCtx context.Context
	sub    *nats.Subscription
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithLogger sets the gateway logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) { g.logger = logger }
}

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(g *Gateway) { g.clock = clock }
}

// New creates a Gateway. seenPath is the persisted dedup window file.
func New(conn Conn, b *board.Board, gov *governance.Service, seenPath string, cfg Config, opts ...Option) (*Gateway, error) {
	if conn == nil {
		return nil, errors.New("gateway: conn required")
	}
	if b == nil {
		return nil, errors.New("gateway: board required")
	}
	if gov == nil {
		return nil, errors.New("gateway: governance service required")
	}
	cfg.Normalize()

	seen, err := newSeenStore(seenPath, cfg.SeenCap)
	if err != nil {
		return nil, err
	}

	g := &Gateway{
		conn:   conn,
		board:  b,
		gov:    gov,
		cfg:    cfg,
		seen:   seen,
		logger: slog.Default(),
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Start subscribes to the command subject. The context bounds all
// message handling started from this subscription.
func (g *Gateway) Start(ctx context.Context) error {
	if g.sub != nil {
		return errors.New("gateway: already started")
	}
	g.runCtx = ctx

	sub, err := g.conn.QueueSubscribe(g.cfg.Subject, g.cfg.Queue, g.handle)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", g.cfg.Subject, err)
	}
	g.sub = sub

	g.logger.Info("gateway started",
		"subject", g.cfg.Subject, "queue", g.cfg.Queue)
	return nil
}

// Close drops the subscription.
func (g *Gateway) Close() error {
	if g.sub == nil {
		return nil
	}
	err := g.sub.Unsubscribe()
	g.sub = nil
	return err
}

// handle processes one inbound broker message.
func (g *Gateway) handle(m *nats.Msg) {
	ctx := g.runCtx
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, time.Duration(g.cfg.HandleTimeoutSec)*time.Second)
	defer cancel()

	var msg Message
	if err := json.Unmarshal(m.Data, &msg); err != nil {
		g.logger.Warn("gateway message unparseable", "subject", m.Subject, "error", err)
		g.publish(m.Reply, g.errorResponse(Message{}, "bad message: "+err.Error()))
		return
	}

	resp := g.Handle(ctx, msg)
	g.publish(m.Reply, resp)
}

// Handle routes one message and returns the reply envelope. Exposed
// for in-process callers; broker delivery goes through the
// subscription.
func (g *Gateway) Handle(ctx context.Context, msg Message) *Response {
	g.mu.Lock()
	defer g.mu.Unlock()

	if msg.MessageID != "" && g.seen.Seen(msg.MessageID) {
		g.logger.Debug("gateway duplicate message", "message_id", msg.MessageID)
		resp := g.response(msg, ReplyDuplicate, true, "already handled", nil)
		return resp
	}

	resp := g.route(ctx, msg)

	// Redeliverable failures (lock contention, timeouts) stay out of
	// the seen window so the broker can retry them.
	if resp.Type != ReplyError || resp.permanent {
		if err := g.seen.Remember(msg.MessageID, g.clock().UTC()); err != nil {
			g.logger.Warn("gateway seen write failed",
				"message_id", msg.MessageID, "error", err)
		}
	}
	return resp
}

// route dispatches the message text to the governance or board router.
func (g *Gateway) route(ctx context.Context, msg Message) *Response {
	actor := msg.UserID
	if actor == "" {
		actor = "gateway"
	}

	if governance.IsCommand(msg.Content) {
		result, err := g.gov.Execute(ctx, msg.Content, actor)
		if err != nil {
			return g.commandError(msg, err)
		}
		return g.response(msg, ReplyGovernance, result.OK, result.Message, result)
	}

	intent, err := board.Route(msg.Content)
	if err != nil {
		return g.commandError(msg, err)
	}
	intent.Actor = actor

	switch intent.Kind {
	case board.IntentStatus:
		report, err := g.board.Status(intent.TaskID)
		if err != nil {
			return g.commandError(msg, err)
		}
		return g.response(msg, ReplyReport, true, statusLine(report), report)
	case board.IntentSynthesize:
		report, err := g.board.Synthesize(intent.TaskID)
		if err != nil {
			return g.commandError(msg, err)
		}
		return g.response(msg, ReplyReport, true, synthesisLine(report), report)
	}

	result, err := g.board.Apply(ctx, intent)
	if err != nil {
		return g.commandError(msg, err)
	}
	g.logger.Info("gateway applied command",
		"message_id", msg.MessageID, "intent", string(result.Intent), "actor", actor)
	return g.response(msg, ReplyBoard, true, applyLine(result), result)
}

// commandError classifies a routing failure. Board and governance rule
// violations are permanent: retrying the identical message cannot
// succeed, so it enters the seen window.
func (g *Gateway) commandError(msg Message, err error) *Response {
	resp := g.errorResponse(msg, err.Error())
	for _, sentinel := range []error{
		board.ErrUnknownCommand, board.ErrTaskNotFound, board.ErrTaskExists,
		board.ErrInvalidTransition, board.ErrInvalidTask, board.ErrMissingResult,
		governance.ErrUnknownCommand, governance.ErrApprovalNotFound,
		governance.ErrApprovalDecided,
	} {
		if errors.Is(err, sentinel) {
			resp.permanent = true
			break
		}
	}
	return resp
}

func (g *Gateway) response(msg Message, kind string, ok bool, content string, payload any) *Response {
	resp := &Response{
		ResponseID:  uuid.NewString(),
		MessageID:   msg.MessageID,
		ChannelType: msg.ChannelType,
		ChannelID:   msg.ChannelID,
		UserID:      msg.UserID,
		Type:        kind,
		OK:          ok,
		Content:     content,
		Timestamp:   board.Stamp(g.clock()),
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			g.logger.Warn("gateway payload marshal failed", "error", err)
		} else {
			resp.Payload = data
		}
	}
	return resp
}

func (g *Gateway) errorResponse(msg Message, detail string) *Response {
	return g.response(msg, ReplyError, false, detail, nil)
}

// publish sends the response to the reply inbox when the broker set
// one, else to the configured reply subject.
func (g *Gateway) publish(replyTo string, resp *Response) {
	subject := replyTo
	if subject == "" {
		subject = g.cfg.ReplySubject
	}
	data, err := json.Marshal(resp)
	if err != nil {
		g.logger.Error("gateway response marshal failed", "error", err)
		return
	}
	if err := g.conn.Publish(subject, data); err != nil {
		g.logger.Error("gateway publish failed", "subject", subject, "error", err)
	}
}

func applyLine(res *board.ApplyResult) string {
	if res.Task == nil {
		return string(res.Intent)
	}
	if res.NoOp {
		return fmt.Sprintf("task %s unchanged", res.Task.ID)
	}
	line := fmt.Sprintf("task %s %s", res.Task.ID, res.Task.Status)
	if res.DiagTask != nil {
		line += fmt.Sprintf(", diagnostic %s opened", res.DiagTask.ID)
	}
	return line
}

func statusLine(report *board.StatusReport) string {
	if report.Task != nil {
		return fmt.Sprintf("task %s %s", report.Task.ID, report.Task.Status)
	}
	return fmt.Sprintf("%d tasks on the board", report.Total)
}

func synthesisLine(report *board.SynthesisReport) string {
	return fmt.Sprintf("%d done, %d in review, %d blocked",
		len(report.Done), len(report.Review), len(report.Blocked))
}
