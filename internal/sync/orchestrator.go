// Package sync wires the transport channel to the window cache, conversation
// directory and typing/presence registries through one serialized dispatch
// loop, and owns connection lifecycle: reconnection with jittered exponential
// backoff and full resynchronization after every reconnect.
package sync

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"livechat-sync/internal/directory"
	"livechat-sync/internal/domain"
	"livechat-sync/internal/presence"
	"livechat-sync/internal/transport"
	"livechat-sync/internal/typing"
	"livechat-sync/internal/window"
)

// State is the orchestrator's synchronization state.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateJoining    State = "joining"
	StateSynced     State = "synced"
	StateDegraded   State = "degraded"
)

// Transport is the slice of the transport channel the orchestrator drives.
type Transport interface {
	Connect(ctx context.Context) error
	Disconnect()
	JoinTenant(tenantID, agentID string)
	LeaveTenant()
	Emit(event string, payload any)
	Subscribe(event string, h transport.Handler) uuid.UUID
	Unsubscribe(token uuid.UUID)
	States() <-chan transport.StateChange
}

// Backend is the REST collaborator used for directory seeding and page loads.
type Backend interface {
	ListConversations(ctx context.Context, page, limit int) ([]domain.Conversation, error)
	FetchMessages(ctx context.Context, conversationID string, page, limit int) (window.Page, error)
	MarkRead(ctx context.Context, conversationID string) error
	SendMessage(ctx context.Context, conversationID string, intent domain.SendMessageIntent) (domain.Message, error)
}

// UpdateHandler receives change notifications for the delivery layer. All
// methods are invoked on the dispatch loop; implementations must not block.
type UpdateHandler interface {
	HandleStateChange(state State, stale bool)
	HandleConversationsChanged()
	HandleWindowChanged(conversationID string)
	HandleTyping(conversationID string, users []string)
	HandlePresence(entry domain.PresenceEntry)
	HandleLoadFailure(conversationID string, err error)
}

type Config struct {
	TenantID string
	AgentID  string

	PageSize            int
	TypingTTL           time.Duration
	TypingSweepInterval time.Duration
	AckTimeout          time.Duration
	BackoffBase         time.Duration
	BackoffMax          time.Duration
}

func (c *Config) withDefaults() {
	if c.PageSize <= 0 {
		c.PageSize = 50
	}
	if c.TypingTTL <= 0 {
		c.TypingTTL = 10 * time.Second
	}
	if c.TypingSweepInterval <= 0 {
		c.TypingSweepInterval = 5 * time.Second
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = 10 * time.Second
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 500 * time.Millisecond
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 30 * time.Second
	}
}

// Orchestrator owns all mutable core state. Every mutation, whether from an
// inbound event, a UI intent or a completed page load, executes on the run
// loop goroutine; there is no finer-grained locking.
type Orchestrator struct {
	cfg      Config
	log      *slog.Logger
	tr       Transport
	be       Backend
	handler  UpdateHandler
	windows  *window.Cache
	dir      *directory.Directory
	typing   *typing.Registry
	presence *presence.Registry

	tasks   chan func()
	done    chan struct{}
	stopped chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc

	state     State
	stale     bool
	attempts  int
	reconnect *time.Timer

	subs       []uuid.UUID
	sendTokens map[string]string // provisional id → window correlation token
	ackTimers  map[string]*time.Timer

	startOnce sync.Once
	stopOnce  sync.Once
	started   atomic.Bool
	now       func() time.Time
}

func New(cfg Config, tr Transport, be Backend, logger *slog.Logger) *Orchestrator {
	cfg.withDefaults()
	return &Orchestrator{
		cfg:        cfg,
		log:        logger,
		tr:         tr,
		be:         be,
		windows:    window.NewCache(cfg.PageSize),
		dir:        directory.New(),
		typing:     typing.NewRegistry(cfg.TypingTTL, nil),
		presence:   presence.NewRegistry(),
		tasks:      make(chan func(), 256),
		done:       make(chan struct{}),
		stopped:    make(chan struct{}),
		state:      StateIdle,
		sendTokens: make(map[string]string),
		ackTimers:  make(map[string]*time.Timer),
		now:        time.Now,
	}
}

// SetUpdateHandler registers the delivery-layer fan-out. Must be called
// before Start.
func (o *Orchestrator) SetUpdateHandler(h UpdateHandler) {
	o.handler = h
}

// Start subscribes to transport events and begins connecting. Idempotent.
func (o *Orchestrator) Start() {
	o.startOnce.Do(func() {
		o.started.Store(true)
		o.ctx, o.cancel = context.WithCancel(context.Background())
		o.subscribeAll()
		go o.run()
		o.post(o.connect)
	})
}

// Stop terminates the dispatch loop, releases every event subscription and
// the transport, and cancels any pending backoff or ack timer.
func (o *Orchestrator) Stop() {
	if !o.started.Load() {
		return
	}
	o.stopOnce.Do(func() {
		close(o.done)
	})
	<-o.stopped
}

func (o *Orchestrator) run() {
	sweep := time.NewTicker(o.cfg.TypingSweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-o.done:
			o.shutdown()
			return
		case fn := <-o.tasks:
			o.invoke(fn)
		case change, ok := <-o.tr.States():
			if ok {
				o.invoke(func() { o.onTransportState(change) })
			}
		case <-sweep.C:
			o.invoke(o.sweepTyping)
		}
	}
}

func (o *Orchestrator) shutdown() {
	o.cancel()
	if o.reconnect != nil {
		o.reconnect.Stop()
	}
	for _, t := range o.ackTimers {
		t.Stop()
	}
	for _, token := range o.subs {
		o.tr.Unsubscribe(token)
	}
	o.tr.LeaveTenant()
	o.tr.Disconnect()
	o.state = StateIdle

	// Serve snapshot requests that raced the stop before releasing waiters.
	for {
		select {
		case fn := <-o.tasks:
			o.invoke(fn)
		default:
			close(o.stopped)
			return
		}
	}
}

// invoke isolates panics so one bad event cannot halt the dispatch loop.
func (o *Orchestrator) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			o.log.Error("dispatch handler panicked", slog.Any("panic", r))
		}
	}()
	fn()
}

func (o *Orchestrator) post(fn func()) bool {
	select {
	case o.tasks <- fn:
		return true
	case <-o.done:
		return false
	}
}

// request runs fn on the dispatch loop and returns its result, giving
// delivery-layer goroutines a race-free read path.
func request[T any](o *Orchestrator, fn func() T) T {
	res := make(chan T, 1)
	if !o.post(func() { res <- fn() }) {
		var zero T
		return zero
	}
	select {
	case v := <-res:
		return v
	case <-o.stopped:
		var zero T
		return zero
	}
}

// ---- connection lifecycle ----

func (o *Orchestrator) connect() {
	if o.state == StateSynced || o.state == StateJoining {
		return
	}
	o.setState(StateConnecting)
	go func() {
		// Errors surface as a disconnected state change; the loop handles
		// backoff there.
		_ = o.tr.Connect(o.ctx)
	}()
}

func (o *Orchestrator) onTransportState(change transport.StateChange) {
	switch change.State {
	case transport.StateConnected:
		o.setState(StateJoining)
		o.tr.JoinTenant(o.cfg.TenantID, o.cfg.AgentID)
	case transport.StateJoined:
		o.attempts = 0
		o.stale = false
		o.setState(StateSynced)
		o.resync()
	case transport.StateDisconnected:
		select {
		case <-o.done:
			return
		default:
		}
		if o.state == StateIdle || o.state == StateDegraded {
			// Degraded already has a reconnect scheduled; this change is the
			// echo of the deliberate teardown that put us there.
			return
		}
		o.degrade(change.Err)
	}
}

// degrade keeps all cached state visible, marks it stale, and schedules the
// next connection attempt.
func (o *Orchestrator) degrade(err error) {
	o.stale = true
	o.setState(StateDegraded)

	o.attempts++
	delay := o.backoffDelay(o.attempts)
	o.log.Warn("transport degraded, scheduling reconnect",
		slog.Int("attempt", o.attempts),
		slog.Duration("delay", delay),
		slog.Any("error", err),
	)
	if o.reconnect != nil {
		o.reconnect.Stop()
	}
	o.reconnect = time.AfterFunc(delay, func() {
		o.post(o.connect)
	})
}

// backoffDelay grows exponentially from the base, capped, with full jitter.
func (o *Orchestrator) backoffDelay(attempt int) time.Duration {
	delay := o.cfg.BackoffBase
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= o.cfg.BackoffMax {
			delay = o.cfg.BackoffMax
			break
		}
	}
	half := delay / 2
	return half + time.Duration(rand.Int63n(int64(half)+1))
}

// resync runs after every successful tenant join: the conversation list and
// the selected conversation's latest page are re-fetched, never trusted from
// cache, and ephemeral indicators are rebuilt from scratch.
func (o *Orchestrator) resync() {
	o.typing.Clear()
	o.presence.Clear()

	go func() {
		convs, err := o.be.ListConversations(o.ctx, 1, 200)
		if err != nil {
			o.log.Error("directory resync failed", slog.Any("error", err))
			o.post(func() { o.notifyLoadFailure("", err) })
			return
		}
		o.post(func() {
			o.dir.Seed(convs)
			o.notifyConversations()
		})
	}()

	if selected := o.dir.SelectedID(); selected != "" {
		o.loadLatest(selected)
	}
}

func (o *Orchestrator) setState(s State) {
	if o.state == s {
		return
	}
	o.state = s
	if o.handler != nil {
		o.handler.HandleStateChange(s, o.stale)
	}
}

// ---- event subscriptions ----

func (o *Orchestrator) subscribeAll() {
	o.subs = append(o.subs,
		subscribe(o, domain.EventMessageNew, o.onMessageNew),
		subscribe(o, domain.EventMessageStatus, o.onMessageStatus),
		subscribe(o, domain.EventTypingStart, o.onTypingStart),
		subscribe(o, domain.EventTypingStop, o.onTypingStop),
		subscribe(o, domain.EventUserStatus, o.onUserStatus),
		subscribe(o, domain.EventConversationUpdate, o.onConversationUpdate),
		subscribe(o, domain.EventTenantError, o.onTenantError),
	)
}

// subscribe decodes the payload off-loop and posts the typed handler onto the
// dispatch loop, preserving the transport's per-socket delivery order.
func subscribe[T any](o *Orchestrator, event string, handle func(T)) uuid.UUID {
	return o.tr.Subscribe(event, func(data json.RawMessage) {
		var ev T
		if err := json.Unmarshal(data, &ev); err != nil {
			o.log.Warn("malformed event dropped",
				slog.String("event", event),
				slog.Any("error", err),
			)
			return
		}
		o.post(func() { handle(ev) })
	})
}

func (o *Orchestrator) onMessageNew(ev domain.MessageNewEvent) {
	msg := ev.Message
	msg.ConversationID = ev.ConversationID

	if ev.Ref != "" {
		if token, ok := o.sendTokens[ev.Ref]; ok {
			o.resolveAck(ev.Ref)
			if o.windows.Reconcile(token, msg) {
				o.dir.UpsertFromEvent(ev)
				o.notifyWindow(ev.ConversationID)
				o.notifyConversations()
			}
			return
		}
	}

	if !o.windows.ApplyIncoming(msg) {
		// Duplicate id after a resync overlap; idempotent no-op.
		return
	}
	o.dir.UpsertFromEvent(ev)
	o.notifyWindow(ev.ConversationID)
	o.notifyConversations()

	if msg.Direction != domain.DirectionIncoming {
		return
	}
	o.tr.Emit(domain.IntentMessagesDelivered, domain.ReceiptIntent{
		ConversationID: ev.ConversationID,
		MessageIDs:     []string{msg.ID},
	})
	if o.dir.SelectedID() == ev.ConversationID {
		// Immediately read while the agent is looking at it.
		o.tr.Emit(domain.IntentMessagesRead, domain.ReceiptIntent{
			ConversationID: ev.ConversationID,
			MessageIDs:     []string{msg.ID},
		})
	}
}

func (o *Orchestrator) onMessageStatus(ev domain.MessageStatusEvent) {
	if !o.windows.ApplyStatus(ev.ConversationID, ev.MessageID, ev.Status) {
		// Regressive transition or unknown id; discarded by design.
		o.log.Debug("status event dropped",
			slog.String("message_id", ev.MessageID),
			slog.String("status", string(ev.Status)),
		)
		return
	}
	o.notifyWindow(ev.ConversationID)
}

func (o *Orchestrator) onTypingStart(ev domain.TypingEvent) {
	if !o.dir.Has(ev.ConversationID) {
		o.log.Debug("typing event for unknown conversation dropped",
			slog.String("conversation_id", ev.ConversationID))
		return
	}
	o.typing.Record(ev.ConversationID, ev.UserID)
	o.notifyTyping(ev.ConversationID)
}

func (o *Orchestrator) onTypingStop(ev domain.TypingEvent) {
	o.typing.Expire(ev.ConversationID, ev.UserID)
	o.notifyTyping(ev.ConversationID)
}

func (o *Orchestrator) onUserStatus(ev domain.UserStatusEvent) {
	o.presence.Set(ev.UserID, ev.Status)
	if o.handler != nil {
		o.handler.HandlePresence(domain.PresenceEntry{UserID: ev.UserID, Status: ev.Status})
	}
}

func (o *Orchestrator) onConversationUpdate(patch domain.ConversationPatch) {
	if !o.dir.ApplyPatch(patch) {
		o.log.Debug("update for unknown conversation dropped",
			slog.String("conversation_id", patch.ID))
		return
	}
	o.notifyConversations()
}

func (o *Orchestrator) onTenantError(ev domain.TenantErrorEvent) {
	// The socket survives a join rejection, and connecting over a live socket
	// is a no-op. Force a clean redial so the backoff tick re-runs the whole
	// join handshake.
	o.tr.Disconnect()
	o.degrade(errTenantRejected(ev))
}

type tenantRejectedError struct {
	tenantID string
	reason   string
}

func (e *tenantRejectedError) Error() string {
	return "tenant join rejected: " + e.tenantID + ": " + e.reason
}

func errTenantRejected(ev domain.TenantErrorEvent) error {
	return &tenantRejectedError{tenantID: ev.TenantID, reason: ev.Error}
}

func (o *Orchestrator) sweepTyping() {
	removed := o.typing.Sweep()
	seen := make(map[string]struct{}, len(removed))
	for _, ind := range removed {
		if _, ok := seen[ind.ConversationID]; ok {
			continue
		}
		seen[ind.ConversationID] = struct{}{}
		o.notifyTyping(ind.ConversationID)
	}
}

// ---- page loads ----

func (o *Orchestrator) loadLatest(conversationID string) {
	gen := o.windows.BeginLatest(conversationID)
	go func() {
		page, err := o.be.FetchMessages(o.ctx, conversationID, 1, o.windows.PageSize())
		if err != nil {
			o.post(func() { o.notifyLoadFailure(conversationID, err) })
			return
		}
		o.post(func() {
			if !o.windows.ApplyLatest(conversationID, gen, page) {
				return
			}
			if msgs := o.windows.Messages(conversationID); len(msgs) > 0 {
				o.dir.SetPreview(conversationID, msgs[len(msgs)-1])
				o.notifyConversations()
			}
			o.notifyWindow(conversationID)
		})
	}()
}

func (o *Orchestrator) loadOlder(conversationID string) {
	pageNum, gen, ok := o.windows.BeginOlder(conversationID)
	if !ok {
		return
	}
	go func() {
		page, err := o.be.FetchMessages(o.ctx, conversationID, pageNum, o.windows.PageSize())
		if err != nil {
			o.post(func() {
				o.windows.AbortOlder(conversationID, gen)
				o.notifyLoadFailure(conversationID, err)
			})
			return
		}
		o.post(func() {
			if o.windows.ApplyOlder(conversationID, gen, page) {
				o.notifyWindow(conversationID)
			}
		})
	}()
}

// ---- UI intents ----

// SelectConversation makes a conversation current: joins its room, zeroes
// its unread count, emits read receipts and reloads its latest page. A page
// load still in flight for the previously selected conversation becomes
// stale and will not touch the new window.
func (o *Orchestrator) SelectConversation(conversationID string) {
	o.post(func() {
		previous := o.dir.SelectedID()
		if previous == conversationID {
			return
		}
		if previous != "" {
			o.tr.Emit(domain.IntentConversationLeave, domain.ConversationScopeIntent{ConversationID: previous})
		}
		o.dir.Select(conversationID)
		if conversationID == "" {
			o.notifyConversations()
			return
		}
		o.tr.Emit(domain.IntentConversationJoin, domain.ConversationScopeIntent{ConversationID: conversationID})
		o.emitReadReceipts(conversationID)
		o.loadLatest(conversationID)
		o.notifyConversations()
	})
}

// SendMessage performs an optimistic send and returns the provisional id
// immediately. While synced the intent goes over the websocket and an ack
// timer guards it; while degraded the REST fallback is used instead.
func (o *Orchestrator) SendMessage(conversationID, content string, msgType domain.MessageType, metadata map[string]any) string {
	if msgType == "" {
		msgType = domain.MessageTypeText
	}
	provisionalID := uuid.NewString()
	createdAt := o.now()

	o.post(func() {
		msg := domain.Message{
			ID:             provisionalID,
			ConversationID: conversationID,
			Direction:      domain.DirectionOutgoing,
			Content:        content,
			Type:           msgType,
			Status:         domain.StatusPending,
			CreatedAt:      createdAt,
			Metadata:       metadata,
		}
		token := o.windows.ApplyOptimistic(conversationID, msg)
		o.sendTokens[provisionalID] = token
		o.dir.UpsertFromEvent(domain.MessageNewEvent{ConversationID: conversationID, Message: msg})
		o.notifyWindow(conversationID)
		o.notifyConversations()

		intent := domain.SendMessageIntent{
			ConversationID:  conversationID,
			Content:         content,
			Type:            msgType,
			Metadata:        metadata,
			Ref:             provisionalID,
			ClientTimestamp: createdAt,
		}
		if o.state == StateSynced {
			o.tr.Emit(domain.IntentMessageSend, intent)
			o.ackTimers[provisionalID] = time.AfterFunc(o.cfg.AckTimeout, func() {
				o.post(func() { o.failSend(provisionalID) })
			})
			return
		}
		o.sendViaFallback(provisionalID, conversationID, intent)
	})
	return provisionalID
}

func (o *Orchestrator) sendViaFallback(provisionalID, conversationID string, intent domain.SendMessageIntent) {
	go func() {
		confirmed, err := o.be.SendMessage(o.ctx, conversationID, intent)
		if err != nil {
			o.post(func() { o.failSend(provisionalID) })
			return
		}
		o.post(func() {
			token, ok := o.sendTokens[provisionalID]
			if !ok {
				return
			}
			delete(o.sendTokens, provisionalID)
			if o.windows.Reconcile(token, confirmed) {
				o.notifyWindow(conversationID)
			}
		})
	}()
}

func (o *Orchestrator) resolveAck(provisionalID string) {
	delete(o.sendTokens, provisionalID)
	if t, ok := o.ackTimers[provisionalID]; ok {
		t.Stop()
		delete(o.ackTimers, provisionalID)
	}
}

// failSend marks an unacknowledged optimistic send failed. It is never
// retried automatically; retry is an explicit user action that runs a fresh
// SendMessage.
func (o *Orchestrator) failSend(provisionalID string) {
	token, ok := o.sendTokens[provisionalID]
	if !ok {
		return
	}
	o.resolveAck(provisionalID)
	conv := o.windows.ConversationForToken(token)
	if conv == "" || !o.windows.ReconcileFailure(token) {
		return
	}
	o.log.Warn("send not acknowledged, marked failed",
		slog.String("provisional_id", provisionalID))
	o.notifyWindow(conv)
}

// RemoveMessage discards a failed optimistic send from its window.
func (o *Orchestrator) RemoveMessage(conversationID, messageID string) {
	o.post(func() {
		if o.windows.Remove(conversationID, messageID) {
			delete(o.sendTokens, messageID)
			o.notifyWindow(conversationID)
		}
	})
}

// LoadOlder requests the next older history page for a conversation. No-op
// while a load is already in flight or when no more pages exist.
func (o *Orchestrator) LoadOlder(conversationID string) {
	o.post(func() { o.loadOlder(conversationID) })
}

// SetTyping emits the agent's typing indicator.
func (o *Orchestrator) SetTyping(conversationID string, isTyping bool) {
	intent := domain.TypingIntent{ConversationID: conversationID, UserID: o.cfg.AgentID}
	o.post(func() {
		if isTyping {
			o.tr.Emit(domain.IntentTypingStart, intent)
		} else {
			o.tr.Emit(domain.IntentTypingStop, intent)
		}
	})
}

// MarkConversationRead zeroes the unread count and pushes read receipts
// upstream. Idempotent.
func (o *Orchestrator) MarkConversationRead(conversationID string) {
	o.post(func() {
		changed := o.dir.MarkAsRead(conversationID)
		o.emitReadReceipts(conversationID)
		if changed {
			o.notifyConversations()
		}
	})
}

func (o *Orchestrator) emitReadReceipts(conversationID string) {
	ids := o.windows.IncomingIDs(conversationID)
	if len(ids) > 0 {
		o.tr.Emit(domain.IntentMessagesRead, domain.ReceiptIntent{
			ConversationID: conversationID,
			MessageIDs:     ids,
		})
	}
	go func() {
		if err := o.be.MarkRead(o.ctx, conversationID); err != nil {
			o.log.Warn("mark read failed",
				slog.String("conversation_id", conversationID),
				slog.Any("error", err),
			)
		}
	}()
}

// SetPresence publishes the agent's own status.
func (o *Orchestrator) SetPresence(st domain.PresenceStatus) {
	o.post(func() {
		o.tr.Emit(domain.IntentUserStatusUpdate, domain.PresenceUpdateIntent{
			UserID: o.cfg.AgentID,
			Status: st,
		})
	})
}

// SetFilters replaces directory filter and sort state.
func (o *Orchestrator) SetFilters(f directory.Filters, key directory.SortKey, ascending bool) {
	o.post(func() {
		o.dir.SetFilters(f)
		if key != "" {
			o.dir.SetSort(key, ascending)
		}
		o.notifyConversations()
	})
}

// ---- snapshots (safe from any goroutine) ----

type Snapshot struct {
	State    State  `json:"state"`
	Stale    bool   `json:"stale"`
	Selected string `json:"selected_conversation_id,omitempty"`
}

func (o *Orchestrator) Status() Snapshot {
	return request(o, func() Snapshot {
		return Snapshot{State: o.state, Stale: o.stale, Selected: o.dir.SelectedID()}
	})
}

func (o *Orchestrator) Conversations() []directory.View {
	return request(o, o.dir.List)
}

type WindowSnapshot struct {
	Messages []domain.Message `json:"messages"`
	HasMore  bool             `json:"has_more"`
	Loading  bool             `json:"loading_older"`
}

func (o *Orchestrator) Window(conversationID string) WindowSnapshot {
	return request(o, func() WindowSnapshot {
		return WindowSnapshot{
			Messages: o.windows.Messages(conversationID),
			HasMore:  o.windows.HasMore(conversationID),
			Loading:  o.windows.LoadingOlder(conversationID),
		}
	})
}

func (o *Orchestrator) TypingIn(conversationID string) []string {
	return request(o, func() []string { return o.typing.ActiveFor(conversationID) })
}

func (o *Orchestrator) Presence() []domain.PresenceEntry {
	return request(o, o.presence.Snapshot)
}

// ---- notifications ----

func (o *Orchestrator) notifyConversations() {
	if o.handler != nil {
		o.handler.HandleConversationsChanged()
	}
}

func (o *Orchestrator) notifyWindow(conversationID string) {
	if o.handler != nil {
		o.handler.HandleWindowChanged(conversationID)
	}
}

func (o *Orchestrator) notifyTyping(conversationID string) {
	if o.handler != nil {
		o.handler.HandleTyping(conversationID, o.typing.ActiveFor(conversationID))
	}
}

func (o *Orchestrator) notifyLoadFailure(conversationID string, err error) {
	if o.handler != nil {
		o.handler.HandleLoadFailure(conversationID, err)
	}
}
