package realm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"
)

// Compile-time checks that *Client provides the full collaborator surface.
var (
	_ EventSource = (*Client)(nil)
	_ Messenger   = (*Client)(nil)
	_ CharSource  = (*Client)(nil)
)

// ErrNotControlled is returned by [Client.Char] when the requested character
// is not (or no longer) under this connection's control.
var ErrNotControlled = errors.New("realm: character not controlled")

// ErrClosed is returned for calls issued after the connection has closed.
var ErrClosed = errors.New("realm: connection closed")

// ClientConfig holds the parameters for dialing a realm.
type ClientConfig struct {
	// URL is the WebSocket endpoint of the realm API (wss://...).
	URL string

	// Token is the bot token presented as a bearer credential.
	Token string
}

// Client is a WebSocket client for the realm API. It multiplexes
// request/response calls by sequence id and fans server-push char events out
// to subscribers on a dedicated dispatcher goroutine, so a handler may call
// back into the client while the receive loop keeps delivering responses.
//
// All exported methods are safe for concurrent use.
type Client struct {
	conn *websocket.Conn

	mu         sync.Mutex
	nextID     uint64
	pending    map[uint64]chan callResult
	subs       map[uint64]EventHandler
	nextSub    uint64
	controlled map[string]Char
	closed     bool

	eventQueue chan pushedEvent

	ctx          context.Context
	cancel       context.CancelFunc
	closeOnce    sync.Once
	readDone     chan struct{}
	dispatchDone chan struct{}
}

// eventQueueSize bounds the buffer between the receive loop and the event
// dispatcher. A full queue drops char events rather than stall the read
// pump, which must stay free to deliver call responses.
const eventQueueSize = 64

// pushedEvent pairs a char event with the controlled character that
// observed it.
type pushedEvent struct {
	self Char
	ev   CharEvent
}

// ── Wire frames ───────────────────────────────────────────────────────────────

// callFrame is an outgoing capability call on a controlled character.
type callFrame struct {
	ID     uint64          `json:"id"`
	Method string          `json:"method"`
	CharID string          `json:"char,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
}

// serverFrame is any incoming frame: a call response (ID set) or a pushed
// event (Event set).
type serverFrame struct {
	ID     uint64          `json:"id,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *wireError      `json:"error,omitempty"`

	Event string          `json:"event,omitempty"`
	Char  Char            `json:"char,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type wireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *wireError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("realm: %s (%s)", e.Message, e.Code)
	}
	return "realm: " + e.Message
}

type callResult struct {
	result json.RawMessage
	err    error
}

// eventPayload is the data object of a char.event push.
type eventPayload struct {
	Type   EventKind `json:"type"`
	Char   Char      `json:"char"`
	Target Char      `json:"target"`
	Msg    string    `json:"msg"`
}

// controlPayload is the data object of a control push listing the characters
// this connection currently controls.
type controlPayload struct {
	Chars []Char `json:"chars"`
}

// ── Connection lifecycle ──────────────────────────────────────────────────────

// Dial connects to the realm API and starts the receive loop. The caller must
// call [Client.Close] to release the connection.
func Dial(ctx context.Context, cfg ClientConfig) (*Client, error) {
	conn, _, err := websocket.Dial(ctx, cfg.URL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + cfg.Token},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("realm: dial %s: %w", cfg.URL, err)
	}

	clientCtx, cancel := context.WithCancel(context.Background())
	c := &Client{
		conn:         conn,
		pending:      make(map[uint64]chan callResult),
		subs:         make(map[uint64]EventHandler),
		controlled:   make(map[string]Char),
		eventQueue:   make(chan pushedEvent, eventQueueSize),
		ctx:          clientCtx,
		cancel:       cancel,
		readDone:     make(chan struct{}),
		dispatchDone: make(chan struct{}),
	}

	go c.receiveLoop()
	go c.dispatchLoop()

	return c, nil
}

// Close terminates the connection and fails all pending calls. Idempotent.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		for id, ch := range c.pending {
			ch <- callResult{err: ErrClosed}
			delete(c.pending, id)
		}
		c.mu.Unlock()

		c.cancel()
		c.conn.Close(websocket.StatusNormalClosure, "client closed")
		<-c.readDone
		<-c.dispatchDone
	})
	return nil
}

// receiveLoop reads frames until the connection drops, dispatching call
// responses to their waiters and events to subscribers.
func (c *Client) receiveLoop() {
	defer close(c.readDone)

	for {
		_, data, err := c.conn.Read(c.ctx)
		if err != nil {
			if c.ctx.Err() == nil {
				slog.Warn("realm: connection read failed", "err", err)
			}
			c.failPending(err)
			return
		}

		var frame serverFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			slog.Debug("realm: discarding malformed frame", "err", err)
			continue
		}

		switch {
		case frame.ID != 0:
			c.dispatchResult(&frame)
		case frame.Event != "":
			c.dispatchEvent(&frame)
		}
	}
}

func (c *Client) dispatchResult(frame *serverFrame) {
	c.mu.Lock()
	ch, ok := c.pending[frame.ID]
	delete(c.pending, frame.ID)
	c.mu.Unlock()
	if !ok {
		return
	}

	res := callResult{result: frame.Result}
	if frame.Error != nil {
		res.err = frame.Error
	}
	ch <- res
}

func (c *Client) dispatchEvent(frame *serverFrame) {
	switch frame.Event {
	case "char.event":
		var p eventPayload
		if err := json.Unmarshal(frame.Data, &p); err != nil {
			slog.Debug("realm: discarding malformed char event", "err", err)
			return
		}
		ev := CharEvent{Kind: p.Type, Char: p.Char, Target: p.Target, Msg: p.Msg}

		select {
		case c.eventQueue <- pushedEvent{self: frame.Char, ev: ev}:
		default:
			slog.Warn("realm: event queue full, dropping char event", "from", p.Char.ID)
		}

	case "control":
		var p controlPayload
		if err := json.Unmarshal(frame.Data, &p); err != nil {
			slog.Debug("realm: discarding malformed control event", "err", err)
			return
		}
		c.mu.Lock()
		c.controlled = make(map[string]Char, len(p.Chars))
		for _, ch := range p.Chars {
			c.controlled[ch.ID] = ch
		}
		c.mu.Unlock()
		slog.Info("realm: controlled characters updated", "count", len(p.Chars))
	}
}

// dispatchLoop drains the event queue and runs subscribers, one event at a
// time so events from the same requester keep their order.
func (c *Client) dispatchLoop() {
	defer close(c.dispatchDone)

	for {
		select {
		case <-c.ctx.Done():
			return
		case pe := <-c.eventQueue:
			c.mu.Lock()
			handlers := make([]EventHandler, 0, len(c.subs))
			for _, h := range c.subs {
				handlers = append(handlers, h)
			}
			c.mu.Unlock()

			for _, h := range handlers {
				h(c.ctx, pe.self, pe.ev)
			}
		}
	}
}

// failPending fails every in-flight call after the connection drops.
func (c *Client) failPending(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ch := range c.pending {
		ch <- callResult{err: fmt.Errorf("realm: connection lost: %w", err)}
		delete(c.pending, id)
	}
}

// ── Calls ─────────────────────────────────────────────────────────────────────

// call issues one request frame and waits for its response or ctx cancellation.
func (c *Client) call(ctx context.Context, charID, method string, params, result any) error {
	var raw json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("realm: marshal %s params: %w", method, err)
		}
		raw = data
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.nextID++
	id := c.nextID
	ch := make(chan callResult, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	frame := callFrame{ID: id, Method: method, CharID: charID, Params: raw}
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("realm: marshal %s frame: %w", method, err)
	}
	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return fmt.Errorf("realm: write %s: %w", method, err)
	}

	select {
	case res := <-ch:
		if res.err != nil {
			return res.err
		}
		if result != nil && len(res.result) > 0 {
			if err := json.Unmarshal(res.result, result); err != nil {
				return fmt.Errorf("realm: unmarshal %s result: %w", method, err)
			}
		}
		return nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return fmt.Errorf("realm: %s: %w", method, ctx.Err())
	}
}

// ── EventSource ───────────────────────────────────────────────────────────────

// Subscribe registers h for char events. Handlers run sequentially on the
// dispatcher goroutine and may call back into the client. The returned
// function removes the subscription and may be called more than once.
func (c *Client) Subscribe(h EventHandler) (unsubscribe func()) {
	c.mu.Lock()
	c.nextSub++
	id := c.nextSub
	c.subs[id] = h
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}
}

// ── Messenger ─────────────────────────────────────────────────────────────────

// addressParams is the wire shape of the address call.
type addressParams struct {
	CharID   string `json:"charId"`
	Msg      string `json:"msg"`
	Pose     bool   `json:"pose,omitempty"`
	Priority int    `json:"priority,omitempty"`
}

// Address enqueues an outbound address on the realm's output queue.
func (c *Client) Address(ctx context.Context, toID, msg string, pose bool, priority int) error {
	return c.call(ctx, "", "enqueueAddress", addressParams{
		CharID:   toID,
		Msg:      msg,
		Pose:     pose,
		Priority: priority,
	}, nil)
}

// ── CharSource ────────────────────────────────────────────────────────────────

// Char resolves charID to its capability surface. It fails with
// [ErrNotControlled] when the connection does not control that character.
func (c *Client) Char(id string) (WorldAPI, error) {
	c.mu.Lock()
	_, ok := c.controlled[id]
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotControlled, id)
	}
	return &charAPI{client: c, id: id}, nil
}

// charAPI implements [WorldAPI] for one controlled character.
type charAPI struct {
	client *Client
	id     string
}

var _ WorldAPI = (*charAPI)(nil)

func (a *charAPI) UseExit(ctx context.Context, exitKey string) error {
	return a.client.call(ctx, a.id, "useExit", map[string]string{"exitKey": exitKey}, nil)
}

func (a *charAPI) CreateArea(ctx context.Context, name, parentID string) (AreaInfo, error) {
	var info AreaInfo
	err := a.client.call(ctx, a.id, "createArea", map[string]string{
		"name":     name,
		"parentId": parentID,
	}, &info)
	return info, err
}

func (a *charAPI) SetLocation(ctx context.Context, locationID, locationType string, private bool) error {
	return a.client.call(ctx, a.id, "setLocation", map[string]any{
		"locationId": locationID,
		"type":       locationType,
		"private":    private,
	}, nil)
}

func (a *charAPI) CreateExit(ctx context.Context, p ExitParams) (ExitInfo, error) {
	var info ExitInfo
	err := a.client.call(ctx, a.id, "createExit", p.wire(), &info)
	return info, err
}

func (a *charAPI) SetRoom(ctx context.Context, name, desc, areaID string) error {
	return a.client.call(ctx, a.id, "setRoom", map[string]string{
		"name":   name,
		"desc":   desc,
		"areaId": areaID,
	}, nil)
}

func (a *charAPI) SetExit(ctx context.Context, exitKey string, p ExitParams) error {
	params := p.wire()
	params["exitKey"] = exitKey
	return a.client.call(ctx, a.id, "setExit", params, nil)
}

func (a *charAPI) RequestSetRoomOwner(ctx context.Context, roomID, charID string) error {
	return a.client.call(ctx, a.id, "requestSetRoomOwner", map[string]string{
		"roomId": roomID,
		"charId": charID,
	}, nil)
}

func (a *charAPI) RequestSetAreaOwner(ctx context.Context, areaID, charID string) error {
	return a.client.call(ctx, a.id, "requestSetAreaOwner", map[string]string{
		"areaId": areaID,
		"charId": charID,
	}, nil)
}

func (a *charAPI) CurrentArea(ctx context.Context) (AreaInfo, error) {
	var info AreaInfo
	err := a.client.call(ctx, a.id, "getArea", nil, &info)
	return info, err
}

func (a *charAPI) TeleportHome(ctx context.Context) error {
	return a.client.call(ctx, a.id, "teleportHome", nil, nil)
}

func (a *charAPI) Address(ctx context.Context, toID, msg string, pose bool) error {
	return a.client.call(ctx, a.id, "address", addressParams{
		CharID: toID,
		Msg:    msg,
		Pose:   pose,
	}, nil)
}

// wire maps ExitParams to the realm's JSON parameter names.
func (p ExitParams) wire() map[string]any {
	params := map[string]any{
		"keys":      p.Keys,
		"name":      p.Name,
		"leaveMsg":  p.LeaveMsg,
		"arriveMsg": p.ArriveMsg,
		"travelMsg": p.TravelMsg,
	}
	if p.Hidden {
		params["hidden"] = true
	}
	if p.TargetRoomID != "" {
		params["targetRoom"] = p.TargetRoomID
	}
	return params
}
