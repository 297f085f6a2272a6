package inbound

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shilomagen/shula-sub000/internal/cache"
	"github.com/shilomagen/shula-sub000/internal/driver"
	"github.com/shilomagen/shula-sub000/internal/queue"
)

const (
	dedupKeyPrefix     = "inbound_msg:"
	groupSyncKeyPrefix = "group_sync:"

	dedupPending   = "pending"
	dedupCompleted = "completed"
)

// Publisher is the slice of the queue the pipeline publishes through.
type Publisher interface {
	Enqueue(ctx context.Context, name string, payload []byte, opts queue.Options) (string, error)
}

// Config tunes the pipeline. Zero values fall back to defaults.
type Config struct {
	// SelfID is the bot's own chat identity, used to detect removal of the
	// bot itself from a group.
	SelfID string
	// DedupWindow is how long a message ID blocks reprocessing. The window
	// is fixed at registration and does not stretch on completion.
	DedupWindow time.Duration
	// GroupSyncCooldown throttles membership-sync tasks per group.
	GroupSyncCooldown time.Duration
	// ResolveTimeout bounds the driver metadata calls per message.
	ResolveTimeout time.Duration
	// Workers is the number of goroutines draining the handoff channel.
	Workers int
	// Backlog is the handoff channel capacity. Callbacks arriving while the
	// backlog is full are dropped, not queued.
	Backlog int
}

func (c Config) withDefaults() Config {
	if c.DedupWindow <= 0 {
		c.DedupWindow = 2 * time.Minute
	}
	if c.GroupSyncCooldown <= 0 {
		c.GroupSyncCooldown = time.Hour
	}
	if c.ResolveTimeout <= 0 {
		c.ResolveTimeout = 15 * time.Second
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.Backlog <= 0 {
		c.Backlog = 256
	}
	return c
}

// Pipeline normalizes driver callbacks into queue events. Every callback
// runs its cheap gates inline and hands the rest to a worker pool: the
// driver's dispatch goroutine never waits on metadata calls or queue
// persistence.
type Pipeline struct {
	driver.NopHandler

	client driver.Client
	cache  *cache.Cache
	queue  Publisher
	logger *slog.Logger
	cfg    Config

	now func() time.Time

	tasks chan func(ctx context.Context)
	wg    sync.WaitGroup

	onSelfRemoved func(n driver.GroupNotification)
}

// Option customizes a Pipeline.
type Option func(*Pipeline)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// WithSelfRemovedHook installs the callback invoked when the bot itself is
// removed from a group.
func WithSelfRemovedHook(fn func(n driver.GroupNotification)) Option {
	return func(p *Pipeline) { p.onSelfRemoved = fn }
}

// New builds a Pipeline. Run must be called before messages flow.
func New(client driver.Client, c *cache.Cache, q Publisher, logger *slog.Logger, cfg Config, opts ...Option) *Pipeline {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pipeline{
		client: client,
		cache:  c,
		queue:  q,
		logger: logger,
		cfg:    cfg,
		now:    time.Now,
		tasks:  make(chan func(ctx context.Context), cfg.Backlog),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run starts the worker pool and blocks until ctx is cancelled and the
// workers drain.
func (p *Pipeline) Run(ctx context.Context) {
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case task := <-p.tasks:
					task(ctx)
				}
			}
		}()
	}
	p.wg.Wait()
}

// OnMessage runs the cheap gates inline (self filter, kind filter, dedup
// registration) and hands the message to the pool. Registering dedup before
// handoff guarantees a concurrent duplicate loses even while the first copy
// is still in flight.
func (p *Pipeline) OnMessage(msg driver.RawMessage) {
	if msg.FromSelf {
		p.logger.Debug("inbound_self_message_skipped", "message_id", msg.ID)
		return
	}
	if !supportedKinds[msg.Kind] {
		p.logger.Debug("inbound_kind_unsupported", "message_id", msg.ID, "kind", msg.Kind)
		return
	}
	key := dedupKeyPrefix + msg.ID
	if !p.cache.SetIfAbsent(key, dedupPending, p.cfg.DedupWindow) {
		p.logger.Warn("inbound_duplicate_dropped", "message_id", msg.ID, "chat_id", msg.ChatID)
		return
	}
	if !p.submit(func(ctx context.Context) { p.process(ctx, msg) }) {
		// A full backlog means we are already behind; shedding here keeps
		// the driver loop live. Clearing the dedup key lets the network's
		// redelivery retry the message later.
		p.cache.Delete(key)
		p.logger.Error("inbound_backlog_full", "message_id", msg.ID, "chat_id", msg.ChatID)
	}
}

// submit hands a task to the pool without ever blocking the caller.
func (p *Pipeline) submit(task func(ctx context.Context)) bool {
	select {
	case p.tasks <- task:
		return true
	default:
		return false
	}
}

// process runs the slow half of the message flow: metadata resolution,
// group-sync throttling, normalization, publication. Any failure clears the
// dedup registration so a redelivered copy can start over.
func (p *Pipeline) process(ctx context.Context, msg driver.RawMessage) {
	key := dedupKeyPrefix + msg.ID

	rctx, cancel := context.WithTimeout(ctx, p.cfg.ResolveTimeout)
	defer cancel()

	chat, err := p.client.ChatInfo(rctx, msg.ChatID)
	if err != nil {
		p.cache.Delete(key)
		p.logger.Warn("inbound_chat_resolve_failed", "message_id", msg.ID, "chat_id", msg.ChatID, "error", err)
		return
	}

	senderName := msg.NotifyName
	if senderName == "" {
		contact, err := p.client.ContactInfo(rctx, msg.AuthorID)
		if err != nil {
			p.cache.Delete(key)
			p.logger.Warn("inbound_contact_resolve_failed", "message_id", msg.ID, "author_id", msg.AuthorID, "error", err)
			return
		}
		senderName = contact.DisplayName
		if senderName == "" {
			senderName = contact.PushName
		}
	}

	if chat.IsGroup {
		if err := p.maybeScheduleGroupSync(ctx, chat); err != nil {
			p.cache.Delete(key)
			p.logger.Warn("inbound_group_sync_publish_failed", "message_id", msg.ID, "group_id", chat.ID, "error", err)
			return
		}
	}

	payload := MessageReceived{
		MessageID:  msg.ID,
		ChatID:     chat.ID,
		ChatName:   chat.Name,
		IsGroup:    chat.IsGroup,
		SenderID:   msg.AuthorID,
		SenderName: senderName,
		Body:       msg.Body,
		Media:      describeMedia(msg),
		Timestamp:  msg.Timestamp,
	}
	if err := p.publish(ctx, TopicMessageReceived, chat.ID, "msg:"+msg.ID, msg.Timestamp, payload); err != nil {
		p.cache.Delete(key)
		p.logger.Warn("inbound_publish_failed", "message_id", msg.ID, "topic", TopicMessageReceived, "error", err)
		return
	}
	// The completion marker keeps the registration window untouched; only
	// the value changes, for diagnosis of duplicates arriving later.
	p.cache.Replace(key, dedupCompleted)
	p.logger.Debug("inbound_message_published", "message_id", msg.ID, "chat_id", chat.ID, "is_group", chat.IsGroup)
}

// maybeScheduleGroupSync publishes one membership-sync task per group per
// cooldown. Losing the throttle race is success; a publish failure releases
// the lock so the next message can retry.
func (p *Pipeline) maybeScheduleGroupSync(ctx context.Context, chat driver.ChatInfo) error {
	lock := groupSyncKeyPrefix + chat.ID
	if !p.cache.SetIfAbsent(lock, p.now().UTC().Format(time.RFC3339), p.cfg.GroupSyncCooldown) {
		return nil
	}
	task := GroupSyncTask{
		GroupID:      chat.ID,
		GroupName:    chat.Name,
		Participants: chat.Participants,
	}
	if err := p.publish(ctx, TopicGroupSync, chat.ID, "sync:"+chat.ID, p.now(), task); err != nil {
		p.cache.Delete(lock)
		return err
	}
	p.logger.Info("group_sync_scheduled", "group_id", chat.ID, "participants", len(chat.Participants))
	return nil
}

// OnAck publishes delivery progress for self-sent messages only. Mapping is
// inline; the queue publication (and its store write) runs on the pool.
func (p *Pipeline) OnAck(ack driver.RawAck) {
	if !ack.FromSelf {
		return
	}
	status, ok := mapAckCode(ack.Code)
	if !ok {
		p.logger.Debug("inbound_ack_below_threshold", "message_id", ack.MessageID, "code", ack.Code)
		return
	}
	payload := MessageAck{
		MessageID: ack.MessageID,
		ChatID:    ack.ChatID,
		Status:    status,
	}
	idem := fmt.Sprintf("ack:%s:%s", ack.MessageID, status)
	occurredAt := p.now()
	ok = p.submit(func(ctx context.Context) {
		if err := p.publish(ctx, TopicMessageAck, ack.ChatID, idem, occurredAt, payload); err != nil {
			p.logger.Warn("inbound_publish_failed", "message_id", ack.MessageID, "topic", TopicMessageAck, "error", err)
		}
	})
	if !ok {
		p.logger.Error("inbound_backlog_full", "message_id", ack.MessageID, "topic", TopicMessageAck)
	}
}

// OnReaction publishes exactly one normalized reaction event per callback.
func (p *Pipeline) OnReaction(r driver.RawReaction) {
	action, consent := classifyReaction(r.Emoji)
	payload := Reaction{
		MessageID: r.MessageID,
		ChatID:    r.ChatID,
		SenderID:  r.SenderID,
		Emoji:     r.Emoji,
		Action:    action,
		Consent:   consent,
	}
	idem := fmt.Sprintf("reaction:%s:%s:%s", r.MessageID, r.SenderID, r.Emoji)
	ok := p.submit(func(ctx context.Context) {
		if err := p.publish(ctx, TopicReaction, r.ChatID, idem, r.Timestamp, payload); err != nil {
			p.logger.Warn("inbound_publish_failed", "message_id", r.MessageID, "topic", TopicReaction, "error", err)
		}
	})
	if !ok {
		p.logger.Error("inbound_backlog_full", "message_id", r.MessageID, "topic", TopicReaction)
	}
}

func (p *Pipeline) OnGroupJoin(n driver.GroupNotification) {
	p.publishMembership("join", n)
}

func (p *Pipeline) OnGroupLeave(n driver.GroupNotification) {
	p.publishMembership("leave", n)
	if p.onSelfRemoved == nil || p.cfg.SelfID == "" {
		return
	}
	for _, id := range n.AffectedIDs {
		if id == p.cfg.SelfID {
			p.logger.Info("bot_removed_from_group", "group_id", n.GroupID, "actor_id", n.ActorID)
			p.onSelfRemoved(n)
			return
		}
	}
}

func (p *Pipeline) OnGroupAdminChanged(n driver.GroupNotification) {
	p.publishMembership("admin_changed", n)
}

func (p *Pipeline) publishMembership(change string, n driver.GroupNotification) {
	payload := MembershipChange{
		GroupID:     n.GroupID,
		ActorID:     n.ActorID,
		AffectedIDs: n.AffectedIDs,
		Change:      change,
		Timestamp:   n.Timestamp,
	}
	idem := fmt.Sprintf("membership:%s:%s:%d", n.GroupID, change, n.Timestamp.UnixNano())
	ok := p.submit(func(ctx context.Context) {
		if err := p.publish(ctx, TopicGroupMembership, n.GroupID, idem, n.Timestamp, payload); err != nil {
			p.logger.Warn("inbound_publish_failed", "group_id", n.GroupID, "topic", TopicGroupMembership, "error", err)
		}
	})
	if !ok {
		p.logger.Error("inbound_backlog_full", "group_id", n.GroupID, "topic", TopicGroupMembership)
	}
}

func (p *Pipeline) publish(ctx context.Context, topic, conversationKey, idempotencyKey string, occurredAt time.Time, payload any) error {
	env, err := newEnvelope(topic, conversationKey, idempotencyKey, occurredAt, payload)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("inbound: marshal %s envelope: %w", topic, err)
	}
	_, err = p.queue.Enqueue(ctx, topic, raw, queue.Options{})
	return err
}
