package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// reconnectDelay is the fixed backoff between connection attempts.
const reconnectDelay = time.Second

// Status mirrors the reconnecting client's state machine
// (Disconnected → Connecting → Connected → Disconnected).
type Status int

const (
	Disconnected Status = iota
	Connecting
	Connected
)

func (s Status) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// SubscriptionUpdate is delivered to a subscriber's channel on every
// push for its path, including the re-delivery that happens
// immediately after (re)subscribing.
type SubscriptionUpdate struct {
	Value  json.RawMessage
	Lagged bool
}

type textSub struct {
	path string
	ch   chan SubscriptionUpdate
}

type binSub struct {
	path string
	ch   chan []byte
}

type pending struct {
	resp chan frame
}

// Client is the reconnecting telemetry protocol client. Run owns the
// reconnect loop and reads from the WebSocket; the public methods write
// their requests on the current connection under a mutex and wait for
// the correlated reply. The subscription table outlives each connection
// and is re-requested on every reconnect, so subscriptions survive
// reconnects transparently.
type Client struct {
	addressMu sync.RWMutex
	address   string
	token     string

	statusMu sync.RWMutex
	status   Status

	mu       sync.Mutex
	conn     *websocket.Conn
	idSeq    atomic.Uint64
	pending  map[uint64]*pending
	textSubs map[uint64]*textSub
	binSubs  map[uint64]*binSub

	setAddress chan string
	closed     chan struct{}
	closeOnce  sync.Once
}

// NewClient creates a Client targeting address (a ws:// or wss:// URL)
// with the given bearer token. Call Run in its own goroutine to start
// connecting.
func NewClient(address, token string) *Client {
	return &Client{
		address:    address,
		token:      token,
		pending:    make(map[uint64]*pending),
		textSubs:   make(map[uint64]*textSub),
		binSubs:    make(map[uint64]*binSub),
		setAddress: make(chan string, 1),
		closed:     make(chan struct{}),
	}
}

// Status returns the current connection status.
func (c *Client) Status() Status {
	c.statusMu.RLock()
	defer c.statusMu.RUnlock()
	return c.status
}

func (c *Client) setStatus(s Status) {
	c.statusMu.Lock()
	c.status = s
	c.statusMu.Unlock()
}

// SetAddress cancels the current transport and restarts against a new
// address: on SetAddress while connected or connecting, the current
// transport is cancelled and a fresh connection attempt starts.
func (c *Client) SetAddress(address string) {
	select {
	case c.setAddress <- address:
	default:
	}
}

// Run drives the reconnect loop until ctx is cancelled. On cancellation
// it sends a graceful close frame and returns.
func (c *Client) Run(ctx context.Context) {
	defer close(c.closed)
	for {
		select {
		case <-ctx.Done():
			c.closeGracefully()
			c.setStatus(Disconnected)
			return
		case addr := <-c.setAddress:
			c.addressMu.Lock()
			c.address = addr
			c.addressMu.Unlock()
		default:
		}

		c.setStatus(Connecting)
		if err := c.connect(ctx); err != nil && ctx.Err() == nil {
			log.Printf("telemetry: %v — retrying in %s", err, reconnectDelay)
		}
		c.setStatus(Disconnected)

		select {
		case <-ctx.Done():
			return
		case addr := <-c.setAddress:
			c.addressMu.Lock()
			c.address = addr
			c.addressMu.Unlock()
		case <-time.After(reconnectDelay):
		}
	}
}

func (c *Client) closeGracefully() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client shutting down"))
}

func (c *Client) connect(ctx context.Context) error {
	c.addressMu.RLock()
	address, token := c.address, c.token
	c.addressMu.RUnlock()

	header := map[string][]string{}
	if token != "" {
		header["Authorization"] = []string{"Bearer " + token}
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, address, header)
	if err != nil {
		return fmt.Errorf("dial %s: %w", address, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.setStatus(Connected)

	c.resubscribeAll()

	defer func() {
		conn.Close()
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		for id, p := range c.pending {
			close(p.resp)
			delete(c.pending, id)
		}
		c.mu.Unlock()
	}()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			c.closeGracefully()
		case addr := <-c.setAddress:
			c.addressMu.Lock()
			c.address = addr
			c.addressMu.Unlock()
		case <-stop:
			return
		}
		conn.Close()
	}()

	for {
		if ctx.Err() != nil {
			return nil
		}
		msgType, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		switch msgType {
		case websocket.TextMessage:
			c.dispatchText(raw)
		case websocket.BinaryMessage:
			c.dispatchBinary(raw)
		}
	}
}

// resubscribeAll re-requests every live subscription against the
// freshly connected transport: on reconnection every live subscription
// is re-requested from the remote end, and client-held handles remain
// valid across reconnects.
func (c *Client) resubscribeAll() {
	c.mu.Lock()
	textSubs := make(map[uint64]string, len(c.textSubs))
	for id, s := range c.textSubs {
		textSubs[id] = s.path
	}
	binSubs := make(map[uint64]string, len(c.binSubs))
	for id, s := range c.binSubs {
		binSubs[id] = s.path
	}
	c.mu.Unlock()

	for id, path := range textSubs {
		_ = c.sendRequest(Request{ID: id, Kind: KindSubscribeText, SubscriptionID: id, Path: path})
	}
	for id, path := range binSubs {
		_ = c.sendRequest(Request{ID: id, Kind: KindSubscribeBinary, SubscriptionID: id, Path: path})
	}
}

func (c *Client) dispatchText(raw []byte) {
	f, err := decodeFrame(raw)
	if err != nil {
		return
	}
	switch f.Type {
	case frameResponse:
		c.resolve(f.Response.ID, f)
	case frameError:
		c.resolve(f.Error.ID, f)
	case frameSubscribedData:
		c.mu.Lock()
		sub, ok := c.textSubs[f.SubscribedData.SubscriptionID]
		c.mu.Unlock()
		if ok {
			select {
			case sub.ch <- SubscriptionUpdate{Value: f.SubscribedData.Value, Lagged: f.SubscribedData.Lagged}:
			default:
			}
		}
	}
}

func (c *Client) dispatchBinary(raw []byte) {
	subscriptionID, payload, ok := decodeBinaryPush(raw)
	if !ok {
		return
	}
	c.mu.Lock()
	sub, found := c.binSubs[subscriptionID]
	c.mu.Unlock()
	if found {
		select {
		case sub.ch <- payload:
		default:
		}
	}
}

func (c *Client) resolve(id uint64, f frame) {
	c.mu.Lock()
	p, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if ok {
		p.resp <- f
		close(p.resp)
	}
}

func (c *Client) nextID() uint64 { return c.idSeq.Add(1) }

// sendRequest writes req to the wire without waiting for a reply. Used
// for fire-and-forget resubscription on reconnect.
func (c *Client) sendRequest(req Request) error {
	raw, err := encodeRequest(req)
	if err != nil {
		return err
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errNotConnected
	}
	return conn.WriteMessage(websocket.TextMessage, raw)
}

// call sends req and waits for its correlated Response or Error, or
// ctx cancellation / the default 10s timeout, whichever comes first.
func (c *Client) call(ctx context.Context, req Request) (frame, error) {
	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return frame{}, errNotConnected
	}
	p := &pending{resp: make(chan frame, 1)}
	c.pending[req.ID] = p
	c.mu.Unlock()

	raw, err := encodeRequest(req)
	if err != nil {
		return frame{}, err
	}
	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.mu.Unlock()
		return frame{}, err
	}

	callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	select {
	case f, ok := <-p.resp:
		if !ok {
			return frame{}, errNotConnected
		}
		return f, nil
	case <-callCtx.Done():
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.mu.Unlock()
		return frame{}, callCtx.Err()
	}
}

// ReadText issues a ReadText request and returns the decoded value.
func (c *Client) ReadText(ctx context.Context, path string) (json.RawMessage, error) {
	f, err := c.call(ctx, Request{ID: c.nextID(), Kind: KindReadText, Path: path})
	if err != nil {
		return nil, err
	}
	if f.Type == frameError {
		return nil, fmt.Errorf("%s: %s", path, f.Error.Message)
	}
	return f.Response.Value, nil
}

// Write issues a Write request for path with the given JSON value.
func (c *Client) Write(ctx context.Context, path string, value json.RawMessage) error {
	f, err := c.call(ctx, Request{ID: c.nextID(), Kind: KindWrite, Path: path, Value: value})
	if err != nil {
		return err
	}
	if f.Type == frameError {
		return fmt.Errorf("%s: %s", path, f.Error.Message)
	}
	return nil
}

// GetFields issues a GetFields request.
func (c *Client) GetFields(ctx context.Context) ([]string, error) {
	f, err := c.call(ctx, Request{ID: c.nextID(), Kind: KindGetFields})
	if err != nil {
		return nil, err
	}
	if f.Type == frameError {
		return nil, fmt.Errorf("%s", f.Error.Message)
	}
	return f.Response.Fields, nil
}

// GetStatus issues a GetStatus request.
func (c *Client) GetStatus(ctx context.Context) (*StatusReport, error) {
	f, err := c.call(ctx, Request{ID: c.nextID(), Kind: KindGetStatus})
	if err != nil {
		return nil, err
	}
	if f.Type == frameError {
		return nil, fmt.Errorf("%s", f.Error.Message)
	}
	return f.Response.Status, nil
}

// SubscribeText subscribes to path and returns a handle whose Updates
// channel receives a SubscriptionUpdate on every push, including
// across reconnects.
func (c *Client) SubscribeText(ctx context.Context, path string) (*TextSubscription, error) {
	id := c.nextID()
	ch := make(chan SubscriptionUpdate, 16)
	c.mu.Lock()
	c.textSubs[id] = &textSub{path: path, ch: ch}
	c.mu.Unlock()
	f, err := c.call(ctx, Request{ID: c.nextID(), Kind: KindSubscribeText, SubscriptionID: id, Path: path})
	if err == nil && f.Type == frameError {
		err = fmt.Errorf("%s: %s", path, f.Error.Message)
	}
	if err != nil {
		c.mu.Lock()
		delete(c.textSubs, id)
		c.mu.Unlock()
		return nil, err
	}
	return &TextSubscription{client: c, id: id, Updates: ch}, nil
}

// TextSubscription is a live text subscription handle. It remains
// valid across client reconnects.
type TextSubscription struct {
	client *Client
	id     uint64

	// Updates receives a SubscriptionUpdate on every push for the
	// subscribed path.
	Updates <-chan SubscriptionUpdate
}

// Unsubscribe cancels the subscription.
func (h *TextSubscription) Unsubscribe(ctx context.Context) error {
	_, err := h.client.call(ctx, Request{ID: h.client.nextID(), Kind: KindUnsubscribe, SubscriptionID: h.id})
	h.client.mu.Lock()
	delete(h.client.textSubs, h.id)
	h.client.mu.Unlock()
	return err
}

var errNotConnected = fmt.Errorf("telemetry: not connected")
