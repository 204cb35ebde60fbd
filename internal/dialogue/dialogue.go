// Package dialogue turns the stream of messages addressed to the concierge
// into structured build requests.
//
// Conversation state is kept per requester and bound to the concierge
// character the requester addressed, so two simultaneous conversations can
// never advance or reset each other. Sessions that go quiet expire after a
// fixed idle timeout. Every reply is charged against the allowance bucket
// before it is spoken.
package dialogue

import (
	"context"
	"sync"
	"time"

	"github.com/xetem/cinnabar-concierge/internal/allowance"
	"github.com/xetem/cinnabar-concierge/internal/observe"
	"github.com/xetem/cinnabar-concierge/internal/provision"
	"github.com/xetem/cinnabar-concierge/internal/realm"
	"github.com/xetem/cinnabar-concierge/internal/registry"
	"github.com/xetem/cinnabar-concierge/internal/sequencer"
)

const (
	// DefaultReplyCost is charged to the allowance for every spoken reply.
	DefaultReplyCost = 7 * time.Second

	// replyPriority orders replies ahead of ambient chatter on the realm's
	// output queue.
	replyPriority = 100

	// Build requests enter the sequencer with a short lead-in delay, an idle
	// tail, and a priority below replies.
	buildDelay     = 1 * time.Second
	buildPostDelay = 2 * time.Second
	buildPriority  = 20

	// maxUnitLen bounds the derived unit identifier (name + passphrase).
	maxUnitLen = 15

	// DefaultSessionTimeout is how long a pending conversation survives
	// without a message before it is forgotten.
	DefaultSessionTimeout = 10 * time.Minute
)

// Numbering selects how unit identifiers are produced.
type Numbering string

const (
	// NumberingCounter draws units from the persistent odometer counter.
	NumberingCounter Numbering = "counter"

	// NumberingPassphrase derives units from the requester's name plus a
	// chosen passphrase; the counter is not consumed.
	NumberingPassphrase Numbering = "passphrase"
)

// state tags one requester's position in the conversation.
type state int

const (
	stateIdle state = iota
	stateAwaitingRoomChoice
	stateAwaitingPassphrase

	// stateAwaitingLockChange is a terminal stub: lock changes are not
	// automated, the session just absorbs follow-ups until it expires.
	stateAwaitingLockChange
)

// session is one requester's pending conversation.
type session struct {
	state     state
	selfID    string // concierge character the conversation is bound to
	requester realm.Char
	roomID    string // existing room to attach, empty for a fresh build
	updatedAt time.Time
}

// Config carries the tunable dialogue parameters.
type Config struct {
	// Numbering selects the unit identifier scheme. Default: passphrase.
	Numbering Numbering

	// SessionTimeout overrides [DefaultSessionTimeout] when positive.
	SessionTimeout time.Duration

	// ReplyCost overrides [DefaultReplyCost] when positive.
	ReplyCost time.Duration

	// FallbackContact is the character named when something needs a human.
	FallbackContact string
}

// Handler is the conversation state machine. Wire [Handler.HandleEvent] into
// the realm event source and drive [Handler.Run] for session expiry.
type Handler struct {
	out     realm.Messenger
	alloc   *registry.Allocator
	bucket  *allowance.Bucket
	queue   sequencer.Enqueuer
	metrics *observe.Metrics
	cfg     Config

	now func() time.Time

	mu       sync.Mutex
	sessions map[string]*session
}

// Option configures a [Handler] during construction.
type Option func(*Handler)

// WithClock replaces the wall clock. Used in tests.
func WithClock(now func() time.Time) Option {
	return func(h *Handler) { h.now = now }
}

// New creates a dialogue handler. A nil metrics falls back to the
// package-level default instruments.
func New(out realm.Messenger, alloc *registry.Allocator, bucket *allowance.Bucket, queue sequencer.Enqueuer, metrics *observe.Metrics, cfg Config, opts ...Option) *Handler {
	if cfg.Numbering == "" {
		cfg.Numbering = NumberingPassphrase
	}
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = DefaultSessionTimeout
	}
	if cfg.ReplyCost <= 0 {
		cfg.ReplyCost = DefaultReplyCost
	}
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	h := &Handler{
		out:      out,
		alloc:    alloc,
		bucket:   bucket,
		queue:    queue,
		metrics:  metrics,
		cfg:      cfg,
		now:      time.Now,
		sessions: make(map[string]*session),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// HandleEvent consumes one inbound char event. It satisfies
// [realm.EventHandler]; messages not addressed to the observing character
// are ignored without reply or state change.
func (h *Handler) HandleEvent(ctx context.Context, self realm.Char, ev realm.CharEvent) {
	if ev.Kind != realm.EventAddress && ev.Kind != realm.EventWhisper {
		return
	}
	if ev.Target.ID != self.ID {
		return
	}

	h.mu.Lock()
	s, ok := h.sessions[ev.Char.ID]
	if ok && h.now().Sub(s.updatedAt) > h.cfg.SessionTimeout {
		delete(h.sessions, ev.Char.ID)
		h.metrics.PendingSessions.Add(ctx, -1)
		ok = false
	}
	if ok && s.selfID != self.ID {
		// A conversation with a different concierge character. Leave the
		// pending session alone; this message belongs to nobody.
		h.mu.Unlock()
		return
	}
	if !ok {
		h.mu.Unlock()
		h.handleIdle(ctx, self, ev)
		return
	}
	s.updatedAt = h.now()

	// Each branch applies its state transition before releasing the lock, so
	// two concurrent messages from the same requester cannot both complete
	// the same step.
	switch s.state {
	case stateAwaitingRoomChoice:
		h.handleRoomChoiceLocked(ctx, self, ev, s)
	case stateAwaitingPassphrase:
		h.handlePassphraseLocked(ctx, self, ev, s)
	default: // stateAwaitingLockChange
		h.mu.Unlock()
		h.reply(ctx, ev.Char.ID, msgLockStub(h.cfg.FallbackContact), false, "lock_stub")
	}
}

// handleIdle classifies a message with no pending conversation behind it.
func (h *Handler) handleIdle(ctx context.Context, self realm.Char, ev realm.CharEvent) {
	switch classify(ev.Msg) {
	case intentLease:
		if h.alloc.HasApartment(ctx, ev.Char.ID) {
			h.reply(ctx, ev.Char.ID, msgAlreadyLeased(ev.Char.Name), false, "occupied")
			return
		}
		h.setSession(ctx, ev.Char.ID, &session{
			state:     stateAwaitingRoomChoice,
			selfID:    self.ID,
			requester: ev.Char,
			updatedAt: h.now(),
		})
		h.reply(ctx, ev.Char.ID, msgRoomChoice, false, "room_choice")

	case intentLockChange:
		if !h.alloc.HasApartment(ctx, ev.Char.ID) {
			h.reply(ctx, ev.Char.ID, msgNoApartmentForLocks(ev.Char.Name), false, "lock_stub")
			return
		}
		h.setSession(ctx, ev.Char.ID, &session{
			state:     stateAwaitingLockChange,
			selfID:    self.ID,
			requester: ev.Char,
			updatedAt: h.now(),
		})
		h.reply(ctx, ev.Char.ID, msgLockStub(h.cfg.FallbackContact), false, "lock_stub")

	default:
		h.reply(ctx, ev.Char.ID, msgHelp(self.Name), true, "help")
	}
}

// handleRoomChoiceLocked records whether the apartment attaches an existing
// room or gets built fresh, then either asks for a passphrase or, under
// counter numbering, submits the build directly. Called with h.mu held;
// releases it.
func (h *Handler) handleRoomChoiceLocked(ctx context.Context, self realm.Char, ev realm.CharEvent, s *session) {
	// A room reference attaches that room; a decline, or anything else,
	// means a fresh build.
	roomID, ok := roomRef(ev.Msg)
	if !ok && !isDecline(ev.Msg) {
		observe.Logger(ctx).Debug("room choice unclear, building fresh", "requester_id", ev.Char.ID, "msg", ev.Msg)
	}
	requester := s.requester

	if h.cfg.Numbering == NumberingCounter {
		delete(h.sessions, ev.Char.ID)
		h.mu.Unlock()
		h.metrics.PendingSessions.Add(ctx, -1)
		h.submit(ctx, self, requester, "", roomID)
		return
	}

	maxLen := maxUnitLen - len(stripNonWord(requester.FullName()))
	if maxLen < 1 {
		// The display name alone exhausts the identifier budget.
		delete(h.sessions, ev.Char.ID)
		h.mu.Unlock()
		h.metrics.PendingSessions.Add(ctx, -1)
		h.reply(ctx, ev.Char.ID, msgNameTooLong(requester.Name, h.cfg.FallbackContact), false, "retry")
		return
	}

	s.roomID = roomID
	s.state = stateAwaitingPassphrase
	h.mu.Unlock()

	h.reply(ctx, ev.Char.ID, msgAskPassphrase(maxLen), false, "passphrase")
}

// handlePassphraseLocked validates the candidate passphrase and, on success,
// removes the session and submits the build request with the derived unit
// identifier. Called with h.mu held; releases it. Removing the session before
// the lock drops guarantees a duplicate passphrase cannot submit twice.
func (h *Handler) handlePassphraseLocked(ctx context.Context, self realm.Char, ev realm.CharEvent, s *session) {
	stripped := stripNonWord(s.requester.FullName())
	pass := ev.Msg
	maxLen := maxUnitLen - len(stripped)

	if !passphrasePattern.MatchString(pass) || len(stripped)+len(pass) > maxUnitLen {
		// The session stays open so the requester can just try again.
		h.mu.Unlock()
		h.reply(ctx, ev.Char.ID, msgBadPassphrase(maxLen), false, "retry")
		return
	}

	requester := s.requester
	roomID := s.roomID
	delete(h.sessions, ev.Char.ID)
	h.mu.Unlock()
	h.metrics.PendingSessions.Add(ctx, -1)

	h.submit(ctx, self, requester, stripped+pass, roomID)
}

// submit hands a completed dialogue to the sequencer. The pipeline speaks to
// the requester from there on.
func (h *Handler) submit(ctx context.Context, self realm.Char, requester realm.Char, unit, roomID string) {
	err := h.queue.Enqueue(sequencer.Item{
		Action: provision.Action,
		Payload: provision.Request{
			ActorID:        self.ID,
			Requester:      requester,
			Unit:           unit,
			ExistingRoomID: roomID,
		},
		Delay:     buildDelay,
		PostDelay: buildPostDelay,
		Priority:  buildPriority,
	})
	if err != nil {
		observe.Logger(ctx).Error("failed to enqueue build", "requester_id", requester.ID, "err", err)
		h.reply(ctx, requester.ID, msgEnqueueFailed(requester.Name, h.cfg.FallbackContact), false, "retry")
	}
}

// reply speaks one rate-limited message to a requester.
func (h *Handler) reply(ctx context.Context, toID, msg string, pose bool, kind string) {
	waitStart := h.now()
	if err := h.bucket.Charge(ctx, h.cfg.ReplyCost); err != nil {
		observe.Logger(ctx).Debug("reply dropped, allowance wait aborted", "to", toID, "err", err)
		return
	}
	h.metrics.RecordAllowanceWait(ctx, h.now().Sub(waitStart))
	if err := h.out.Address(ctx, toID, msg, pose, replyPriority); err != nil {
		observe.Logger(ctx).Warn("reply failed", "to", toID, "err", err)
		return
	}
	h.metrics.RecordReply(ctx, kind)
}

func (h *Handler) setSession(ctx context.Context, requesterID string, s *session) {
	h.mu.Lock()
	_, existed := h.sessions[requesterID]
	h.sessions[requesterID] = s
	h.mu.Unlock()
	if !existed {
		h.metrics.PendingSessions.Add(ctx, 1)
	}
}

// PendingSessions reports the number of open conversations.
func (h *Handler) PendingSessions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// Run expires idle sessions until ctx is cancelled. The sweep interval is a
// quarter of the session timeout.
func (h *Handler) Run(ctx context.Context) error {
	interval := h.cfg.SessionTimeout / 4
	if interval <= 0 {
		interval = time.Minute
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			h.expire(ctx)
		}
	}
}

// expire drops every session idle past the timeout.
func (h *Handler) expire(ctx context.Context) {
	cutoff := h.now().Add(-h.cfg.SessionTimeout)

	h.mu.Lock()
	var dropped int
	for id, s := range h.sessions {
		if s.updatedAt.Before(cutoff) {
			delete(h.sessions, id)
			dropped++
		}
	}
	h.mu.Unlock()

	if dropped > 0 {
		h.metrics.PendingSessions.Add(ctx, int64(-dropped))
		observe.Logger(ctx).Debug("expired idle dialogue sessions", "count", dropped)
	}
}
