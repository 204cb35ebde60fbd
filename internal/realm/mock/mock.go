// Package mock provides in-memory mock implementations of the realm
// collaborator interfaces for use in unit tests.
//
// The mocks record every call and allow tests to inject failures via
// exported fields. All types are safe for concurrent use.
package mock

import (
	"context"
	"sync"

	"github.com/xetem/cinnabar-concierge/internal/realm"
)

// Compile-time interface assertions.
var (
	_ realm.WorldAPI    = (*World)(nil)
	_ realm.Messenger   = (*Messenger)(nil)
	_ realm.EventSource = (*Events)(nil)
	_ realm.CharSource  = (*Chars)(nil)
)

// Call records one world-API invocation: the operation name and a coarse
// argument summary sufficient for order and payload assertions.
type Call struct {
	Op   string
	Args map[string]any
}

// World is a mock [realm.WorldAPI]. FailOn maps an operation name to the
// error its next invocation returns; Calls accumulates every invocation in
// order, including failed ones.
type World struct {
	mu sync.Mutex

	// FailOn injects an error for the named operation ("useExit",
	// "createArea", "createExit", "setRoom", "setExit", "setLocation",
	// "requestSetRoomOwner", "requestSetAreaOwner", "getArea",
	// "teleportHome", "address").
	FailOn map[string]error

	// CreateAreaResult is returned by CreateArea on success.
	CreateAreaResult realm.AreaInfo

	// CreateExitResult is returned by CreateExit on success.
	CreateExitResult realm.ExitInfo

	// CurrentAreaResult is returned by CurrentArea on success.
	CurrentAreaResult realm.AreaInfo

	// Calls records all invocations in order.
	Calls []Call
}

func (w *World) record(op string, args map[string]any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.Calls = append(w.Calls, Call{Op: op, Args: args})
	if err, ok := w.FailOn[op]; ok {
		return err
	}
	return nil
}

// Ops returns the recorded operation names in call order.
func (w *World) Ops() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	ops := make([]string, len(w.Calls))
	for i, c := range w.Calls {
		ops[i] = c.Op
	}
	return ops
}

func (w *World) UseExit(_ context.Context, exitKey string) error {
	return w.record("useExit", map[string]any{"exitKey": exitKey})
}

func (w *World) CreateArea(_ context.Context, name, parentID string) (realm.AreaInfo, error) {
	err := w.record("createArea", map[string]any{"name": name, "parentId": parentID})
	if err != nil {
		return realm.AreaInfo{}, err
	}
	return w.CreateAreaResult, nil
}

func (w *World) SetLocation(_ context.Context, locationID, locationType string, private bool) error {
	return w.record("setLocation", map[string]any{
		"locationId": locationID, "type": locationType, "private": private,
	})
}

func (w *World) CreateExit(_ context.Context, p realm.ExitParams) (realm.ExitInfo, error) {
	err := w.record("createExit", map[string]any{"name": p.Name, "keys": p.Keys, "targetRoom": p.TargetRoomID})
	if err != nil {
		return realm.ExitInfo{}, err
	}
	if p.TargetRoomID != "" {
		return realm.ExitInfo{ID: w.CreateExitResult.ID, TargetRoomID: p.TargetRoomID}, nil
	}
	return w.CreateExitResult, nil
}

func (w *World) SetRoom(_ context.Context, name, desc, areaID string) error {
	return w.record("setRoom", map[string]any{"name": name, "desc": desc, "areaId": areaID})
}

func (w *World) SetExit(_ context.Context, exitKey string, p realm.ExitParams) error {
	return w.record("setExit", map[string]any{"exitKey": exitKey, "name": p.Name})
}

func (w *World) RequestSetRoomOwner(_ context.Context, roomID, charID string) error {
	return w.record("requestSetRoomOwner", map[string]any{"roomId": roomID, "charId": charID})
}

func (w *World) RequestSetAreaOwner(_ context.Context, areaID, charID string) error {
	return w.record("requestSetAreaOwner", map[string]any{"areaId": areaID, "charId": charID})
}

func (w *World) CurrentArea(_ context.Context) (realm.AreaInfo, error) {
	if err := w.record("getArea", nil); err != nil {
		return realm.AreaInfo{}, err
	}
	return w.CurrentAreaResult, nil
}

func (w *World) TeleportHome(_ context.Context) error {
	return w.record("teleportHome", nil)
}

func (w *World) Address(_ context.Context, toID, msg string, pose bool) error {
	return w.record("address", map[string]any{"charId": toID, "msg": msg, "pose": pose})
}

// Sent records one outbound message enqueued through the [Messenger] mock.
type Sent struct {
	ToID     string
	Msg      string
	Pose     bool
	Priority int
}

// Messenger is a mock [realm.Messenger] that records enqueued messages.
type Messenger struct {
	mu sync.Mutex

	// Err, when set, is returned by every Address call.
	Err error

	// Messages accumulates enqueued messages in order.
	Messages []Sent
}

func (m *Messenger) Address(_ context.Context, toID, msg string, pose bool, priority int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.Messages = append(m.Messages, Sent{ToID: toID, Msg: msg, Pose: pose, Priority: priority})
	return nil
}

// Last returns the most recently enqueued message and whether one exists.
func (m *Messenger) Last() (Sent, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Messages) == 0 {
		return Sent{}, false
	}
	return m.Messages[len(m.Messages)-1], true
}

// Len returns the number of enqueued messages.
func (m *Messenger) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Messages)
}

// Events is a mock [realm.EventSource]. Tests push events with [Events.Emit].
type Events struct {
	mu      sync.Mutex
	nextID  uint64
	handler map[uint64]realm.EventHandler
}

func (e *Events) Subscribe(h realm.EventHandler) (unsubscribe func()) {
	e.mu.Lock()
	if e.handler == nil {
		e.handler = make(map[uint64]realm.EventHandler)
	}
	e.nextID++
	id := e.nextID
	e.handler[id] = h
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		delete(e.handler, id)
		e.mu.Unlock()
	}
}

// Emit delivers ev to every current subscriber synchronously.
func (e *Events) Emit(ctx context.Context, self realm.Char, ev realm.CharEvent) {
	e.mu.Lock()
	handlers := make([]realm.EventHandler, 0, len(e.handler))
	for _, h := range e.handler {
		handlers = append(handlers, h)
	}
	e.mu.Unlock()

	for _, h := range handlers {
		h(ctx, self, ev)
	}
}

// SubscriberCount reports the number of live subscriptions.
func (e *Events) SubscriberCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.handler)
}

// Chars is a mock [realm.CharSource] mapping char ids to world mocks.
type Chars struct {
	mu sync.Mutex

	// Worlds maps controlled char ids to their capability mocks.
	Worlds map[string]*World

	// Err, when set, is returned by every Char call (control loss).
	Err error
}

func (c *Chars) Char(id string) (realm.WorldAPI, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Err != nil {
		return nil, c.Err
	}
	w, ok := c.Worlds[id]
	if !ok {
		return nil, realm.ErrNotControlled
	}
	return w, nil
}
