// Package pipeline turns queued webhook events into stored messages and,
// when automation is on, coalesced agent replies.
package pipeline

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/chatrelay/internal/bus"
	"github.com/nextlevelbuilder/chatrelay/internal/coalesce"
	"github.com/nextlevelbuilder/chatrelay/internal/config"
	"github.com/nextlevelbuilder/chatrelay/internal/handoff"
	"github.com/nextlevelbuilder/chatrelay/internal/responder"
	"github.com/nextlevelbuilder/chatrelay/internal/sender"
	"github.com/nextlevelbuilder/chatrelay/internal/store"
	"github.com/nextlevelbuilder/chatrelay/internal/store/sqlstore"
	"github.com/nextlevelbuilder/chatrelay/internal/tenant"
	"github.com/nextlevelbuilder/chatrelay/internal/wire"
)

// flushTimeout bounds one agent reply round trip after a burst settles.
const flushTimeout = 90 * time.Second

// Pipeline wires routing, persistence, coalescing, handoff detection and
// reply generation behind the inbound queue.
type Pipeline struct {
	cfg       *config.Config
	router    *tenant.Router
	bus       *bus.MessageBus
	responder responder.Responder
	sender    sender.Client
	log       *slog.Logger
	tracer    trace.Tracer

	coalescer *coalesce.Coalescer
	dedupe    *dedupeCache

	// locks serializes appends per conversation so the stored order matches
	// arrival order even when a flush races a new inbound message.
	locksMu sync.Mutex
	locks   map[string]*convoLock
}

type convoLock struct {
	mu   sync.Mutex
	refs int
}

// New assembles a pipeline. The coalescer quiet period and handoff phrases
// come from cfg and are fixed at construction.
func New(cfg *config.Config, router *tenant.Router, b *bus.MessageBus, rsp responder.Responder, snd sender.Client, log *slog.Logger) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	p := &Pipeline{
		cfg:       cfg,
		router:    router,
		bus:       b,
		responder: rsp,
		sender:    snd,
		log:       log,
		tracer:    otel.Tracer("chatrelay/pipeline"),
		dedupe:    newDedupeCache(10*time.Minute, 4096),
		locks:     make(map[string]*convoLock),
	}
	p.coalescer = coalesce.New(cfg.Coalesce.QuietPeriod(), p.onFlush, log)
	return p
}

// Close stops pending coalescer timers.
func (p *Pipeline) Close() { p.coalescer.Close() }

// RunConsumer drains the inbound queue until ctx is cancelled. Events are
// processed by a small worker pool; per-conversation locks keep ordering.
func (p *Pipeline) RunConsumer(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for {
		evt, ok := p.bus.ConsumeInbound(ctx)
		if !ok {
			break
		}
		g.Go(func() error {
			if err := p.Ingest(ctx, evt); err != nil {
				p.log.Error("ingest failed",
					"message_id", evt.MessageID, "from", evt.From, "error", err)
			}
			return nil
		})
	}
	return g.Wait()
}

// lockConvo serializes work on one conversation key. The returned unlock
// drops the map entry once no goroutine holds or awaits it, so the map only
// tracks in-flight conversations instead of every contact ever seen.
func (p *Pipeline) lockConvo(key string) (unlock func()) {
	p.locksMu.Lock()
	l, ok := p.locks[key]
	if !ok {
		l = &convoLock{}
		p.locks[key] = l
	}
	l.refs++
	p.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		p.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(p.locks, key)
		}
		p.locksMu.Unlock()
	}
}

// storeFor resolves a tenant connection and wraps it. The returned release
// must be called when the chat operation finishes.
func (p *Pipeline) storeFor(ctx context.Context, tenantID string) (store.ChatStore, func(), error) {
	conn, err := p.router.Resolve(ctx, tenantID)
	if err != nil {
		return nil, nil, err
	}
	conn.Acquire()
	return sqlstore.New(conn.DB, p.log), conn.Release, nil
}

// Ingest validates, routes, persists and schedules one inbound event. The
// webhook was already acknowledged; errors here are logged, never returned
// to the provider.
func (p *Pipeline) Ingest(ctx context.Context, evt wire.InboundEvent) error {
	ctx, span := p.tracer.Start(ctx, "pipeline.ingest",
		trace.WithAttributes(attribute.String("message.id", evt.MessageID)))
	defer span.End()

	if err := evt.Validate(); err != nil {
		return err
	}
	kind, err := evt.Classify()
	if err != nil {
		return err
	}
	if p.dedupe.Contains(evt.MessageID) {
		p.log.Debug("duplicate delivery ignored", "message_id", evt.MessageID)
		return nil
	}

	tcfg, ok := p.cfg.TenantByNumber(evt.To)
	if !ok {
		return &wire.ValidationError{Reason: "no tenant for recipient " + evt.To}
	}
	span.SetAttributes(attribute.String("tenant.id", tcfg.ID))
	contact := config.NormalizeAddress(evt.From)
	text := evt.NormalizedText(kind)

	st, release, err := p.storeFor(ctx, tcfg.ID)
	if err != nil {
		return err
	}
	defer release()

	key := tcfg.ID + "|" + contact
	unlock := p.lockConvo(key)
	defer unlock()

	conv, err := st.FindOrCreate(ctx, contact, evt.ProfileName, tcfg.AutomationEnabled())
	if err != nil {
		return err
	}

	msg := store.Message{
		Direction:  store.DirectionIn,
		Kind:       string(kind),
		Body:       text,
		ExternalID: evt.MessageID,
	}
	if evt.Timestamp > 0 {
		msg.SentAt = time.Unix(evt.Timestamp, 0)
	}
	switch kind {
	case wire.KindMedia:
		msg.Media = []store.MediaRef{{Link: evt.Media.Link, ContentType: evt.Media.ContentType, Caption: evt.Media.Caption}}
	case wire.KindDocument:
		msg.Media = []store.MediaRef{{Link: evt.Document.Link, ContentType: evt.Document.ContentType}}
	}
	conv, err = st.AppendMessage(ctx, contact, msg)
	if err != nil {
		return err
	}
	// Marked only after the message is durably stored, so a provider
	// redelivery after a failed attempt is not swallowed as a duplicate.
	p.dedupe.Mark(evt.MessageID)
	p.bus.Broadcast(bus.Event{Name: bus.EventMessageStored, Tenant: tcfg.ID, Payload: map[string]any{
		"contact": contact,
		"kind":    string(kind),
		"body":    text,
	}})

	if !conv.AutomationEnabled {
		return nil
	}

	if p.cfg.Handoff.TriggerOnInbound {
		if phrase, hit := p.detectorFor(tcfg).Triggered(text); hit {
			p.triggerHandoff(ctx, st, tcfg, contact, phrase)
			return nil
		}
	}

	p.coalescer.Push(key, text)
	return nil
}

func (p *Pipeline) detectorFor(tcfg config.TenantConfig) *handoff.Detector {
	phrases := p.cfg.Handoff.Phrases
	if len(tcfg.HandoffPhrases) > 0 {
		phrases = tcfg.HandoffPhrases
	}
	return handoff.NewDetector(phrases)
}

// triggerHandoff flips automation off and optionally acknowledges the
// contact. The flag flip is the durable part; the ack is best effort.
func (p *Pipeline) triggerHandoff(ctx context.Context, st store.ChatStore, tcfg config.TenantConfig, contact, phrase string) {
	if err := st.SetAutomation(ctx, contact, false); err != nil {
		p.log.Error("handoff: disable automation failed", "tenant", tcfg.ID, "contact", contact, "error", err)
		return
	}
	p.log.Info("handoff triggered", "tenant", tcfg.ID, "contact", contact, "phrase", phrase)
	p.bus.Broadcast(bus.Event{Name: bus.EventHandoffTriggered, Tenant: tcfg.ID, Payload: map[string]any{
		"contact": contact,
		"phrase":  phrase,
	}})

	if ack := p.cfg.Handoff.AckReply; ack != "" {
		p.deliverReply(ctx, st, tcfg.ID, contact, ack, store.RespondedByOperator)
	}
}

// onFlush runs when a contact's burst settles. It re-reads the conversation
// so a handoff or operator action during the quiet period wins over the
// scheduled reply.
func (p *Pipeline) onFlush(key, joined string, count int) {
	tenantID, contact, ok := strings.Cut(key, "|")
	if !ok {
		p.log.Error("malformed flush key", "key", key)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()
	ctx, span := p.tracer.Start(ctx, "pipeline.flush",
		trace.WithAttributes(
			attribute.String("tenant.id", tenantID),
			attribute.Int("burst.size", count)))
	defer span.End()

	tcfg, ok := p.cfg.TenantByID(tenantID)
	if !ok {
		p.log.Warn("flush for removed tenant", "tenant", tenantID)
		return
	}
	st, release, err := p.storeFor(ctx, tenantID)
	if err != nil {
		p.log.Error("flush: tenant store unavailable", "tenant", tenantID, "error", err)
		return
	}
	defer release()

	unlock := p.lockConvo(key)
	defer unlock()

	conv, err := st.Get(ctx, contact)
	if err != nil {
		p.log.Error("flush: load conversation failed", "tenant", tenantID, "contact", contact, "error", err)
		return
	}
	if !conv.AutomationEnabled {
		p.log.Debug("flush skipped, automation off", "tenant", tenantID, "contact", contact)
		return
	}

	reply, err := p.responder.Respond(ctx, responder.Request{
		TenantID:    tenantID,
		ContactName: conv.DisplayName,
		History:     historyTurns(conv.Messages, p.cfg.Responder.HistoryLimit),
	})
	if err != nil {
		p.log.Error("agent reply failed", "tenant", tenantID, "contact", contact, "error", err)
		if fb := p.cfg.Responder.FallbackReply; fb != "" && p.automationStillOn(ctx, st, tenantID, contact) {
			p.deliverReply(ctx, st, tenantID, contact, fb, store.RespondedByAutomation)
		}
		return
	}

	// The agent call blocks for seconds; an operator may have taken the
	// conversation meanwhile. Their takeover wins over the scheduled reply.
	if !p.automationStillOn(ctx, st, tenantID, contact) {
		p.log.Debug("reply dropped, automation disabled during agent call",
			"tenant", tenantID, "contact", contact)
		return
	}

	p.deliverReply(ctx, st, tenantID, contact, reply, store.RespondedByAutomation)

	// The agent can signal escalation in its own reply. The reply is still
	// delivered; automation stops afterwards.
	if phrase, hit := p.detectorFor(tcfg).Triggered(reply); hit {
		if err := st.SetAutomation(ctx, contact, false); err != nil {
			p.log.Error("handoff: disable automation failed", "tenant", tenantID, "contact", contact, "error", err)
			return
		}
		p.log.Info("handoff triggered by agent reply", "tenant", tenantID, "contact", contact, "phrase", phrase)
		p.bus.Broadcast(bus.Event{Name: bus.EventHandoffTriggered, Tenant: tenantID, Payload: map[string]any{
			"contact": contact,
			"phrase":  phrase,
			"source":  "reply",
		}})
	}
}

// automationStillOn re-reads the automation flag. A read failure counts as
// off: better to miss one reply than to answer a conversation an operator
// already took.
func (p *Pipeline) automationStillOn(ctx context.Context, st store.ChatStore, tenantID, contact string) bool {
	conv, err := st.Get(ctx, contact)
	if err != nil {
		p.log.Error("automation re-check failed", "tenant", tenantID, "contact", contact, "error", err)
		return false
	}
	return conv.AutomationEnabled
}

// deliverReply sends a message and records it. A failed send is logged but
// not recorded; a sent-but-unrecorded reply is logged loudly since history
// and reality now disagree.
func (p *Pipeline) deliverReply(ctx context.Context, st store.ChatStore, tenantID, contact, body string, by store.Responder) {
	externalID, err := p.sender.Send(ctx, tenantID, contact, body)
	if err != nil {
		p.log.Error("send failed", "tenant", tenantID, "contact", contact, "error", err)
		return
	}
	if _, err := st.AppendMessage(ctx, contact, store.Message{
		Direction:   store.DirectionOut,
		Kind:        string(wire.KindText),
		Body:        body,
		RespondedBy: by,
		ExternalID:  externalID,
	}); err != nil {
		p.log.Error("reply sent but not recorded", "tenant", tenantID, "contact", contact, "error", err)
		return
	}
	p.bus.Broadcast(bus.Event{Name: bus.EventReplySent, Tenant: tenantID, Payload: map[string]any{
		"contact": contact,
		"body":    body,
		"by":      string(by),
	}})
}

// historyTurns maps stored messages to model turns, merging consecutive
// inbound messages into one user turn so a settled burst reads as a single
// question.
func historyTurns(messages []store.Message, limit int) []responder.Turn {
	if limit <= 0 {
		limit = 30
	}
	var turns []responder.Turn
	for _, m := range messages {
		role := responder.RoleUser
		if m.Direction == store.DirectionOut {
			role = responder.RoleAssistant
		}
		if n := len(turns); n > 0 && turns[n-1].Role == role && role == responder.RoleUser {
			turns[n-1].Content += "\n" + m.Body
			continue
		}
		turns = append(turns, responder.Turn{Role: role, Content: m.Body})
	}
	if len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}
	return turns
}
