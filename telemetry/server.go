package telemetry

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/fieldrt/runtime/middleware"
	"github.com/fieldrt/runtime/pathstate"
	"github.com/fieldrt/runtime/store"
)

// sendQueueDepth bounds each connection's outbound queue. A lagging
// subscriber's pushes are dropped rather than blocking the publisher;
// the next text push for that subscription carries the "lagged" flag
// (binary pushes have no flag field).
const sendQueueDepth = 64

// Server is the WebSocket half of the telemetry protocol: it serves the
// subscription table and fans out parameter changes to every live
// subscription.
type Server struct {
	Params ParameterStore
	Store  store.Store // optional; nil disables audit logging
	Secret []byte      // JWT verification key for Connect

	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[*connection]struct{}

	connSeq atomic.Uint64
}

// NewServer constructs a Server. secret authenticates the bearer token
// presented on the WebSocket upgrade request; st may be nil to disable
// audit logging (e.g. in tests).
func NewServer(params ParameterStore, st store.Store, secret []byte) *Server {
	return &Server{
		Params: params,
		Store:  st,
		Secret: secret,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		conns: make(map[*connection]struct{}),
	}
}

// Run starts the parameter-change fan-out loop. It blocks until ctx is
// cancelled; call it in its own goroutine alongside the HTTP server.
func (s *Server) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.Params.Changed():
			s.broadcastChange()
		}
	}
}

// Connect upgrades an HTTP request to a telemetry WebSocket connection.
// It requires a bearer token (query parameter "token" or Authorization
// header) to validate before the upgrade completes; an invalid or
// missing token fails the request and never reaches a Connected state.
func (s *Server) Connect(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("token")
	if raw == "" {
		raw = trimBearer(r.Header.Get("Authorization"))
	}
	operatorID, _, _, err := middleware.AuthenticateToken(s.Secret, raw)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("telemetry: upgrade failed: %v", err)
		return
	}

	c := &connection{
		id:         s.connSeq.Add(1),
		srv:        s,
		operatorID: operatorID,
		conn:       ws,
		send:       make(chan outgoing, sendQueueDepth),
		textSubs:   make(map[uint64]string),
		binSubs:    make(map[uint64]string),
	}

	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()

	s.audit(operatorID, store.AuditConnect, "", "")

	go c.writeLoop()
	c.readLoop()

	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	s.audit(operatorID, store.AuditDisconnect, "", "")
}

func (s *Server) audit(operatorID int64, action store.AuditAction, path, detail string) {
	if s.Store == nil {
		return
	}
	if err := s.Store.RecordAudit(context.Background(), operatorID, action, path, detail); err != nil {
		log.Printf("telemetry: audit log failed: %v", err)
	}
}

// SubscribedPaths returns the deduplicated set of every path with a
// live text or binary subscription across all connections. A
// cycler.Cycler wired with (*cycler.Cycler).SetSubscriptions(srv.SubscribedPaths)
// uses this to decide, once per cycle, whether a node's additional
// (diagnostic) output is currently watched.
func (s *Server) SubscribedPaths() []string {
	s.mu.Lock()
	conns := make([]*connection, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	seen := make(map[string]struct{})
	for _, c := range conns {
		c.mu.Lock()
		for _, path := range c.textSubs {
			seen[path] = struct{}{}
		}
		for _, path := range c.binSubs {
			seen[path] = struct{}{}
		}
		c.mu.Unlock()
	}

	out := make([]string, 0, len(seen))
	for path := range seen {
		out = append(out, path)
	}
	return out
}

func (s *Server) broadcastChange() {
	s.mu.Lock()
	conns := make([]*connection, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.publishAll(s.Params.Current())
	}
}

func trimBearer(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && header[:len(prefix)] == prefix {
		return header[len(prefix):]
	}
	return header
}

// outgoing is one queued unit of work for a connection's writer loop:
// either a JSON text frame or a raw binary subscription push.
type outgoing struct {
	text   []byte
	binary []byte
}

type connection struct {
	id         uint64
	srv        *Server
	operatorID int64
	conn       *websocket.Conn
	send       chan outgoing

	mu       sync.Mutex
	textSubs map[uint64]string // subscription id -> path
	binSubs  map[uint64]string
	lagged   map[uint64]bool
}

func (c *connection) writeLoop() {
	for msg := range c.send {
		var err error
		switch {
		case msg.text != nil:
			err = c.conn.WriteMessage(websocket.TextMessage, msg.text)
		case msg.binary != nil:
			err = c.conn.WriteMessage(websocket.BinaryMessage, msg.binary)
		}
		if err != nil {
			return
		}
	}
}

func (c *connection) readLoop() {
	defer func() {
		close(c.send)
		c.conn.Close()
	}()

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		f, err := decodeFrame(raw)
		if err != nil || f.Type != frameRequest || f.Request == nil {
			continue
		}
		c.handle(*f.Request)
	}
}

func (c *connection) enqueueText(b []byte) {
	select {
	case c.send <- outgoing{text: b}:
	default:
		// Control-plane responses are not subject to the lagged policy;
		// a full queue here means the connection is dead or very slow,
		// so drop rather than block the reader.
	}
}

func (c *connection) enqueueBinaryPush(subscriptionID uint64, payload []byte) {
	select {
	case c.send <- outgoing{binary: encodeBinaryPush(subscriptionID, payload)}:
	default:
		c.markLagged(subscriptionID)
	}
}

func (c *connection) markLagged(subscriptionID uint64) {
	c.mu.Lock()
	if c.lagged == nil {
		c.lagged = make(map[uint64]bool)
	}
	c.lagged[subscriptionID] = true
	c.mu.Unlock()
}

func (c *connection) takeLagged(subscriptionID uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lagged == nil {
		return false
	}
	l := c.lagged[subscriptionID]
	delete(c.lagged, subscriptionID)
	return l
}

func (c *connection) handle(req Request) {
	record := c.srv.Params.Current()

	switch req.Kind {
	case KindReadText, KindReadBinary:
		c.handleRead(req, record)
	case KindSubscribeText:
		c.handleSubscribe(req, record, false)
	case KindSubscribeBinary:
		c.handleSubscribe(req, record, true)
	case KindUnsubscribe:
		c.mu.Lock()
		delete(c.textSubs, req.SubscriptionID)
		delete(c.binSubs, req.SubscriptionID)
		c.mu.Unlock()
		c.reply(Response{ID: req.ID, Ack: true})
	case KindUnsubscribeEverything:
		c.mu.Lock()
		c.textSubs = make(map[uint64]string)
		c.binSubs = make(map[uint64]string)
		c.mu.Unlock()
		c.reply(Response{ID: req.ID, Ack: true})
	case KindWrite:
		if err := c.srv.Params.Write(req.Path, req.Value); err != nil {
			c.replyErr(req.ID, req.Path, err)
			return
		}
		c.srv.audit(c.operatorID, store.AuditParameterWrite, req.Path, "")
		c.reply(Response{ID: req.ID, Ack: true})
	case KindGetFields:
		c.reply(Response{ID: req.ID, Fields: c.srv.Params.Fields()})
	case KindGetStatus:
		c.mu.Lock()
		status := &StatusReport{
			Connected:           true,
			ActiveSubscribers:   len(c.textSubs) + len(c.binSubs),
			TextSubscriptions:   len(c.textSubs),
			BinarySubscriptions: len(c.binSubs),
		}
		c.mu.Unlock()
		c.reply(Response{ID: req.ID, Status: status})
	case KindLoadFromDisk:
		if err := c.srv.Params.LoadFromDisk(); err != nil {
			c.replyErr(req.ID, "", err)
			return
		}
		c.reply(Response{ID: req.ID, Ack: true})
	case KindStoreToDisk:
		if err := c.srv.Params.StoreToDisk(); err != nil {
			c.replyErr(req.ID, "", err)
			return
		}
		c.reply(Response{ID: req.ID, Ack: true})
	default:
		c.replyErr(req.ID, req.Path, &unknownKindError{string(req.Kind)})
	}
}

func (c *connection) handleRead(req Request, record pathstate.Record) {
	value, err := record.SerializePath(req.Path)
	if err != nil {
		c.replyErr(req.ID, req.Path, err)
		return
	}
	c.reply(Response{ID: req.ID, Value: value})
}

func (c *connection) handleSubscribe(req Request, record pathstate.Record, binary bool) {
	if _, err := record.SerializePath(req.Path); err != nil {
		c.replyErr(req.ID, req.Path, err)
		return
	}

	c.mu.Lock()
	_, textTaken := c.textSubs[req.SubscriptionID]
	_, binTaken := c.binSubs[req.SubscriptionID]
	if textTaken || binTaken {
		c.mu.Unlock()
		c.replyErr(req.ID, req.Path, &duplicateSubscriptionError{req.SubscriptionID})
		return
	}
	if binary {
		c.binSubs[req.SubscriptionID] = req.Path
	} else {
		c.textSubs[req.SubscriptionID] = req.Path
	}
	c.mu.Unlock()

	c.reply(Response{ID: req.ID, Ack: true})
	c.publishOne(req.SubscriptionID, req.Path, record, binary)
}

// publishAll re-serializes every live subscription against the
// post-change record and pushes one frame per subscription.
func (c *connection) publishAll(record pathstate.Record) {
	c.mu.Lock()
	textSubs := make(map[uint64]string, len(c.textSubs))
	for id, path := range c.textSubs {
		textSubs[id] = path
	}
	binSubs := make(map[uint64]string, len(c.binSubs))
	for id, path := range c.binSubs {
		binSubs[id] = path
	}
	c.mu.Unlock()

	for id, path := range textSubs {
		c.publishOne(id, path, record, false)
	}
	for id, path := range binSubs {
		c.publishOne(id, path, record, true)
	}
}

func (c *connection) publishOne(subscriptionID uint64, path string, record pathstate.Record, binary bool) {
	value, err := record.SerializePath(path)
	if err != nil {
		return
	}
	if binary {
		var payload []byte
		if err := json.Unmarshal(value, &payload); err != nil {
			payload = value
		}
		c.enqueueBinaryPush(subscriptionID, payload)
		return
	}
	b, err := encodeSubscribedData(SubscribedData{
		SubscriptionID: subscriptionID,
		Value:          value,
		Lagged:         c.takeLagged(subscriptionID),
	})
	if err != nil {
		return
	}
	select {
	case c.send <- outgoing{text: b}:
	default:
		c.markLagged(subscriptionID)
	}
}

func (c *connection) reply(resp Response) {
	b, err := encodeResponse(resp)
	if err != nil {
		return
	}
	c.enqueueText(b)
}

func (c *connection) replyErr(id uint64, path string, err error) {
	b, encErr := encodeError(ErrorMessage{ID: id, Path: path, Message: err.Error()})
	if encErr != nil {
		return
	}
	c.enqueueText(b)
}

type unknownKindError struct{ kind string }

func (e *unknownKindError) Error() string { return "unknown request kind: " + e.kind }

type duplicateSubscriptionError struct{ id uint64 }

func (e *duplicateSubscriptionError) Error() string {
	return "already subscribed with this id"
}
