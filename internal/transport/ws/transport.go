// Package ws implements raftserver.Transport over plain WebSocket
// connections: one long-lived connection per peer, carrying
// messages.Request/messages.Response envelopes as JSON text frames,
// correlated by request ID.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cordata/raftd/internal/messages"
	"github.com/cordata/raftd/internal/raft"
	"github.com/cordata/raftd/internal/raftserver"
	"github.com/cordata/raftd/pkg/logger"
)

// Config configures a Manager at construction time.
type Config struct {
	ListenAddr        string
	ReadBufferSize    int
	WriteBufferSize   int
	MaxMessageSize    int64
	HandshakeTimeout  time.Duration
	PongWait          time.Duration
	PingPeriod        time.Duration
	EnableCompression bool
}

// DefaultConfig returns default transport configuration.
func DefaultConfig() Config {
	return Config{
		ListenAddr:        ":8081",
		ReadBufferSize:    4096,
		WriteBufferSize:   4096,
		MaxMessageSize:    4 << 20,
		HandshakeTimeout:  10 * time.Second,
		PongWait:          60 * time.Second,
		PingPeriod:        54 * time.Second,
		EnableCompression: true,
	}
}

type pendingCall struct {
	done chan *messages.Response
}

// conn wraps one websocket connection — either dialed out to a peer, or
// accepted from one — with a write mutex (gorilla's Conn is not safe for
// concurrent writers) and the pending-call table for responses awaited on
// this connection.
type conn struct {
	ws *websocket.Conn

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]*pendingCall
}

func newConn(ws *websocket.Conn) *conn {
	return &conn{ws: ws, pending: make(map[string]*pendingCall)}
}

func (c *conn) writeJSON(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteJSON(v)
}

// Manager is a raftserver.Transport backed by WebSocket connections to
// statically configured peer addresses. It doubles as the inbound listener:
// Start begins accepting connections and dispatching incoming requests to
// the bound Server.
type Manager struct {
	self    raft.ServerId
	peers   map[raft.ServerId]string // ServerId -> "host:port"
	framer  *messages.Framer
	logger  *logger.Logger
	config  Config

	validator *messages.Validator

	server *raftserver.Server

	upgrader websocket.Upgrader
	httpSrv  *http.Server

	mu    sync.Mutex
	conns map[raft.ServerId]*conn
}

var _ raftserver.Transport = (*Manager)(nil)

// NewManager creates a Manager for self, with peers mapping every other
// cluster member to its dial address.
func NewManager(self raft.ServerId, peers map[raft.ServerId]string, cfg Config, log *logger.Logger) *Manager {
	return &Manager{
		self:      self,
		peers:     peers,
		framer:    messages.NewFramer(fmt.Sprintf("%d", self)),
		logger:    log,
		config:    cfg,
		validator: messages.NewValidator(),
		conns:     make(map[raft.ServerId]*conn),
		upgrader: websocket.Upgrader{
			ReadBufferSize:    cfg.ReadBufferSize,
			WriteBufferSize:   cfg.WriteBufferSize,
			EnableCompression: cfg.EnableCompression,
			CheckOrigin:       func(r *http.Request) bool { return true },
		},
	}
}

// BindServer attaches the raftserver.Server whose Handle* methods answer
// incoming requests. Must be called before Start.
func (m *Manager) BindServer(s *raftserver.Server) {
	m.server = s
}

// Start begins listening for inbound peer connections.
func (m *Manager) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/raft", m.handleIncoming)
	m.httpSrv = &http.Server{
		Addr:         m.config.ListenAddr,
		Handler:      mux,
		ReadTimeout:  m.config.HandshakeTimeout,
		WriteTimeout: m.config.HandshakeTimeout,
	}
	go func() {
		if err := m.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if m.logger != nil {
				m.logger.Errorf("raft transport listener stopped: %v", err)
			}
		}
	}()
	if m.logger != nil {
		m.logger.Infof("raft transport listening on %s", m.config.ListenAddr)
	}
	return nil
}

// Stop closes the listener and every outbound connection.
func (m *Manager) Stop() error {
	var err error
	if m.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err = m.httpSrv.Shutdown(ctx)
	}
	m.mu.Lock()
	for id, c := range m.conns {
		c.ws.Close()
		delete(m.conns, id)
	}
	m.mu.Unlock()
	return err
}

func (m *Manager) handleIncoming(w http.ResponseWriter, r *http.Request) {
	wsConn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		if m.logger != nil {
			m.logger.Errorf("websocket upgrade failed: %v", err)
		}
		return
	}
	c := newConn(wsConn)
	m.readLoop(c, 0)
}

// dial lazily connects to target, reusing an existing connection if one is
// already up.
func (m *Manager) dial(target raft.ServerId) (*conn, error) {
	m.mu.Lock()
	if c, ok := m.conns[target]; ok {
		m.mu.Unlock()
		return c, nil
	}
	m.mu.Unlock()

	addr, ok := m.peers[target]
	if !ok {
		return nil, fmt.Errorf("raft transport: no address configured for server %d", target)
	}

	wsConn, _, err := websocket.DefaultDialer.Dial(fmt.Sprintf("ws://%s/raft", addr), nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	c := newConn(wsConn)

	m.mu.Lock()
	if existing, ok := m.conns[target]; ok {
		m.mu.Unlock()
		wsConn.Close()
		return existing, nil
	}
	m.conns[target] = c
	m.mu.Unlock()

	go m.readLoop(c, target)
	return c, nil
}

// readLoop reads frames off c until it closes, routing Responses to their
// waiting caller and Requests to the bound Server. target is 0 for
// connections we accepted (their identity is only known once we see a
// Request's Header.From), and non-zero for connections we dialed ourselves.
func (m *Manager) readLoop(c *conn, target raft.ServerId) {
	defer func() {
		c.ws.Close()
		if target != 0 {
			m.mu.Lock()
			if m.conns[target] == c {
				delete(m.conns, target)
			}
			m.mu.Unlock()
		}
	}()

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}

		var envelope struct {
			Header messages.MessageHeader `json:"header"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil {
			continue
		}

		// A Response's Header.ID always matches an entry this connection is
		// waiting on; a Request's never does (request IDs are freshly
		// generated per call). Check the pending table first so the two
		// otherwise-identical envelope shapes don't need a dedicated
		// discriminator field.
		c.mu.Lock()
		_, isResponse := c.pending[envelope.Header.ID]
		c.mu.Unlock()

		if isResponse {
			var resp messages.Response
			if err := json.Unmarshal(data, &resp); err != nil {
				continue
			}
			m.resolveResponse(c, &resp)
			continue
		}

		var req messages.Request
		if err := json.Unmarshal(data, &req); err != nil {
			continue
		}
		m.handleRequest(c, &req)
	}
}

func (m *Manager) resolveResponse(c *conn, resp *messages.Response) {
	c.mu.Lock()
	call, ok := c.pending[resp.Header.ID]
	if ok {
		delete(c.pending, resp.Header.ID)
	}
	c.mu.Unlock()
	if ok {
		call.done <- resp
	}
}

func (m *Manager) handleRequest(c *conn, req *messages.Request) {
	if err := m.validator.Validate(req); err != nil {
		if m.logger != nil {
			m.logger.Warnf("rejected request from %s: %v", req.Header.From, err)
		}
		return
	}
	if m.server == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), snapshotServerTimeoutFor(req.Kind))
	defer cancel()

	var (
		payload interface{}
		rpcErr  error
	)
	switch req.Kind {
	case messages.KindRequestVote:
		var rv raft.RequestVoteRequest
		if err := req.UnmarshalPayload(&rv); err != nil {
			return
		}
		resp, err := m.server.HandleRequestVote(ctx, rv)
		payload, rpcErr = resp, err
	case messages.KindPreVote:
		var pv raft.PreVoteRequest
		if err := req.UnmarshalPayload(&pv); err != nil {
			return
		}
		payload = m.server.HandlePreVote(pv)
	case messages.KindAppendEntries, messages.KindHeartbeat:
		var ae raft.AppendEntriesRequest
		if err := req.UnmarshalPayload(&ae); err != nil {
			return
		}
		resp, err := m.server.HandleAppendEntries(ctx, ae)
		payload, rpcErr = resp, err
	case messages.KindInstallSnapshot:
		var is raft.InstallSnapshotRequest
		if err := req.UnmarshalPayload(&is); err != nil {
			return
		}
		resp, err := m.server.HandleInstallSnapshot(ctx, is)
		payload, rpcErr = resp, err
	case messages.KindTimeoutNow:
		var tn raft.TimeoutNowRequest
		if err := req.UnmarshalPayload(&tn); err != nil {
			return
		}
		m.server.HandleTimeoutNow(tn)
		return // TimeoutNow has no response on the wire
	default:
		return
	}

	resp, err := m.framer.CreateResponse(req, payload, rpcErr)
	if err != nil {
		if m.logger != nil {
			m.logger.Errorf("build response for %s failed: %v", req.Kind, err)
		}
		return
	}
	if err := c.writeJSON(resp); err != nil {
		if m.logger != nil {
			m.logger.Errorf("write response to %s failed: %v", req.Header.From, err)
		}
	}
}

func snapshotServerTimeoutFor(kind messages.RPCKind) time.Duration {
	if kind == messages.KindInstallSnapshot {
		return 30 * time.Second
	}
	return 2000 * time.Millisecond
}

// call sends req on c and blocks for the matching Response or ctx
// cancellation.
func (m *Manager) call(ctx context.Context, target raft.ServerId, req *messages.Request) (*messages.Response, error) {
	c, err := m.dial(target)
	if err != nil {
		return nil, err
	}

	call := &pendingCall{done: make(chan *messages.Response, 1)}
	c.mu.Lock()
	c.pending[req.Header.ID] = call
	c.mu.Unlock()

	if err := c.writeJSON(req); err != nil {
		c.mu.Lock()
		delete(c.pending, req.Header.ID)
		c.mu.Unlock()
		return nil, err
	}

	select {
	case resp := <-call.done:
		if resp.Err != "" {
			return nil, fmt.Errorf("%s: %s", req.Kind, resp.Err)
		}
		return resp, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, req.Header.ID)
		c.mu.Unlock()
		return nil, ctx.Err()
	}
}

func (m *Manager) RequestVote(ctx context.Context, target raft.ServerId, r raft.RequestVoteRequest) (raft.RequestVoteResponse, error) {
	req, err := m.framer.CreateRequest(messages.KindRequestVote, fmt.Sprintf("%d", target), r)
	if err != nil {
		return raft.RequestVoteResponse{}, err
	}
	resp, err := m.call(ctx, target, req)
	if err != nil {
		return raft.RequestVoteResponse{}, err
	}
	var out raft.RequestVoteResponse
	if err := resp.UnmarshalPayload(&out); err != nil {
		return raft.RequestVoteResponse{}, err
	}
	return out, nil
}

func (m *Manager) PreVote(ctx context.Context, target raft.ServerId, r raft.PreVoteRequest) (raft.PreVoteResponse, error) {
	req, err := m.framer.CreateRequest(messages.KindPreVote, fmt.Sprintf("%d", target), r)
	if err != nil {
		return raft.PreVoteResponse{}, err
	}
	resp, err := m.call(ctx, target, req)
	if err != nil {
		return raft.PreVoteResponse{}, err
	}
	var out raft.PreVoteResponse
	if err := resp.UnmarshalPayload(&out); err != nil {
		return raft.PreVoteResponse{}, err
	}
	return out, nil
}

func (m *Manager) AppendEntries(ctx context.Context, target raft.ServerId, r raft.AppendEntriesRequest) (raft.AppendEntriesResponse, error) {
	req, err := m.framer.CreateRequest(messages.KindAppendEntries, fmt.Sprintf("%d", target), r)
	if err != nil {
		return raft.AppendEntriesResponse{}, err
	}
	resp, err := m.call(ctx, target, req)
	if err != nil {
		return raft.AppendEntriesResponse{}, err
	}
	var out raft.AppendEntriesResponse
	if err := resp.UnmarshalPayload(&out); err != nil {
		return raft.AppendEntriesResponse{}, err
	}
	return out, nil
}

func (m *Manager) Heartbeat(ctx context.Context, target raft.ServerId, r raft.HeartbeatRequest) (raft.HeartbeatResponse, error) {
	req, err := m.framer.CreateRequest(messages.KindHeartbeat, fmt.Sprintf("%d", target), r)
	if err != nil {
		return raft.HeartbeatResponse{}, err
	}
	resp, err := m.call(ctx, target, req)
	if err != nil {
		return raft.HeartbeatResponse{}, err
	}
	var out raft.HeartbeatResponse
	if err := resp.UnmarshalPayload(&out); err != nil {
		return raft.HeartbeatResponse{}, err
	}
	return out, nil
}

func (m *Manager) InstallSnapshot(ctx context.Context, target raft.ServerId, r raft.InstallSnapshotRequest) (raft.InstallSnapshotResponse, error) {
	req, err := m.framer.CreateRequest(messages.KindInstallSnapshot, fmt.Sprintf("%d", target), r)
	if err != nil {
		return raft.InstallSnapshotResponse{}, err
	}
	resp, err := m.call(ctx, target, req)
	if err != nil {
		return raft.InstallSnapshotResponse{}, err
	}
	var out raft.InstallSnapshotResponse
	if err := resp.UnmarshalPayload(&out); err != nil {
		return raft.InstallSnapshotResponse{}, err
	}
	return out, nil
}

func (m *Manager) TimeoutNow(ctx context.Context, target raft.ServerId, r raft.TimeoutNowRequest) error {
	req, err := m.framer.CreateRequest(messages.KindTimeoutNow, fmt.Sprintf("%d", target), r)
	if err != nil {
		return err
	}
	// TimeoutNow has no response; fire and forget over the same connection.
	c, err := m.dial(target)
	if err != nil {
		return err
	}
	return c.writeJSON(req)
}
