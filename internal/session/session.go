// Package session implements the authenticated per-connection state machine
// fronting the analysis engine (spec §4.5). The transport itself — the
// websocket upgrade, the REST/GraphQL/gRPC bindings — is external glue;
// this package only owns what happens once a connection exists, the way
// server/client.go owns Client behavior once QNTXServer has accepted one.
package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ironfish/clusterd/internal/ierrors"
	"github.com/ironfish/clusterd/internal/logging"
	"github.com/ironfish/clusterd/internal/model"
)

// DefaultAuthWindow bounds how long an unauthenticated connection may idle
// before it is closed (spec §4.5, default 5s).
const DefaultAuthWindow = 5 * time.Second

// DefaultPingInterval is the server-initiated keepalive cadence (spec §4.5,
// default 30s).
const DefaultPingInterval = 30 * time.Second

// DefaultMaxConcurrentAnalyses is the per-session in-flight analysis cap
// (spec §4.5, default 4).
const DefaultMaxConcurrentAnalyses = 4

// Conn abstracts the websocket connection for testability, mirroring
// sync/peer.go's Conn interface: production wraps gorilla/websocket, tests
// use an in-memory channel pair.
type Conn interface {
	ReadJSON(v interface{}) error
	WriteJSON(v interface{}) error
	Close() error
}

// TokenValidator is the subset of token.Service a session needs. Declared
// locally so session never imports the token package's storage internals.
type TokenValidator interface {
	Validate(displayed string) (*model.ApiToken, bool, error)
}

// Analyzer is the subset of the engine pool+driver a session dispatches
// analyze/bestmove requests to.
type Analyzer interface {
	Analyze(ctx context.Context, req model.AnalysisRequest, cancel <-chan struct{}, onProgress func(model.AnalysisProgress)) (*model.AnalysisResult, error)
}

// clientMessage is the union of every inbound message shape (spec §4.5).
// Unused fields for a given Type are simply absent.
type clientMessage struct {
	Type       string   `json:"type"`
	ID         string   `json:"id,omitempty"`
	Token      string   `json:"token,omitempty"`
	FEN        string   `json:"fen,omitempty"`
	Depth      uint8    `json:"depth,omitempty"`
	MultiPV    uint8    `json:"multipv,omitempty"`
	MovetimeMs *uint64  `json:"movetime_ms,omitempty"`
	AnalysisID string   `json:"analysis_id,omitempty"`
	Topics     []string `json:"topics,omitempty"`
}

type authResultMessage struct {
	Type    string `json:"type"`
	Success bool   `json:"success"`
}

type errorMessage struct {
	Type    string `json:"type"`
	ID      string `json:"id,omitempty"`
	Code    int    `json:"code"`
	Message string `json:"message,omitempty"`
}

type pongMessage struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`
}

type pingMessage struct {
	Type string `json:"type"`
}

type subscribedMessage struct {
	Type   string   `json:"type"`
	ID     string   `json:"id,omitempty"`
	Topics []string `json:"topics"`
}

type analysisProgressMessage struct {
	Type     string                 `json:"type"`
	Progress model.AnalysisProgress `json:"progress"`
}

type analysisCompleteMessage struct {
	Type   string               `json:"type"`
	ID     model.AnalysisID     `json:"id"`
	Result *model.AnalysisResult `json:"result"`
}

type analysisCancelledMessage struct {
	Type       string           `json:"type"`
	AnalysisID model.AnalysisID `json:"analysis_id"`
}

type bestMoveResultMessage struct {
	Type   string               `json:"type"`
	ID     string               `json:"id"`
	Result *model.AnalysisResult `json:"result"`
}

// ClusterEventKind enumerates the membership/leadership transitions that
// fan out as cluster_event messages (spec §4.5 wire table, producer named
// in SPEC_FULL.md: node.Node state/leader transitions and Membership
// Add/Remove).
type ClusterEventKind string

const (
	ClusterEventNodeJoined   ClusterEventKind = "node_joined"
	ClusterEventNodeLeft     ClusterEventKind = "node_left"
	ClusterEventLeaderChanged ClusterEventKind = "leader_changed"
)

// clusterEventMessage is broadcast on the "cluster" topic to every
// subscribed session; it is never a reply to a specific client message, so
// it carries no id.
type clusterEventMessage struct {
	Type    string           `json:"type"`
	Kind    ClusterEventKind `json:"kind"`
	NodeID  model.NodeID     `json:"node_id,omitempty"`
	Leader  model.NodeID     `json:"leader,omitempty"`
	Term    uint64           `json:"term,omitempty"`
}

// NewClusterEvent builds the cluster_event wire message for the given
// transition. Callers broadcast it via Manager.Broadcast("cluster", ...).
func NewClusterEvent(kind ClusterEventKind, nodeID, leader model.NodeID, term uint64) interface{} {
	return clusterEventMessage{
		Type:   "cluster_event",
		Kind:   kind,
		NodeID: nodeID,
		Leader: leader,
		Term:   term,
	}
}

// cancelHandle wraps a per-analysis cancellation channel so it can be
// closed from either the cancel message path or session cleanup without
// a double-close panic.
type cancelHandle struct {
	ch   chan struct{}
	once sync.Once
}

func newCancelHandle() *cancelHandle {
	return &cancelHandle{ch: make(chan struct{})}
}

func (h *cancelHandle) cancel() {
	h.once.Do(func() { close(h.ch) })
}

// DefaultProgressBuffer and DefaultWriterBuffer size the two bounded send
// channels spec §5 names explicitly: a smaller one for progress emissions,
// which are safe to drop under load, and a larger one for everything else a
// client is waiting on a reply for.
const (
	DefaultProgressBuffer = 32
	DefaultWriterBuffer   = 64
)

// DefaultMaxFrameBytes bounds a single inbound WebSocket frame (spec §4.5,
// default 64 KiB).
const DefaultMaxFrameBytes = 64 * 1024

// Config bundles the timing/capacity knobs a Session is built with.
type Config struct {
	AuthWindow     time.Duration
	PingInterval   time.Duration
	MaxConcurrent  int
	ProgressBuffer int
	WriterBuffer   int
	MaxFrameBytes  int64
}

func (c Config) withDefaults() Config {
	if c.AuthWindow <= 0 {
		c.AuthWindow = DefaultAuthWindow
	}
	if c.PingInterval <= 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = DefaultMaxConcurrentAnalyses
	}
	if c.ProgressBuffer <= 0 {
		c.ProgressBuffer = DefaultProgressBuffer
	}
	if c.WriterBuffer <= 0 {
		c.WriterBuffer = DefaultWriterBuffer
	}
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = DefaultMaxFrameBytes
	}
	return c
}

// Session drives one connection's lifecycle end to end (spec §4.5).
type Session struct {
	ID       string
	conn     Conn
	tokens   TokenValidator
	analyzer Analyzer
	cfg      Config
	log      *zap.SugaredLogger

	authenticated atomic.Bool

	send     chan interface{} // replies, errors, pings, bestmove/complete results
	progress chan interface{} // analysis_progress only — smaller, droppable
	done     chan struct{}

	mu        sync.Mutex
	handles   map[model.AnalysisID]*cancelHandle
	topics    map[string]struct{}
	closeOnce sync.Once

	// onClose, if set, is invoked exactly once as the session's final act,
	// letting a Manager unregister it without Session depending on Manager.
	onClose func(*Session)
}

// New constructs a Session. preAuthToken, if non-empty, is validated
// immediately so the session starts already authenticated (spec §4.5 step
// 1, "Upgrade with optional pre-auth").
func New(id string, conn Conn, tokens TokenValidator, analyzer Analyzer, cfg Config, preAuthToken string, log *zap.SugaredLogger) *Session {
	cfg = cfg.withDefaults()
	s := &Session{
		ID:       id,
		conn:     conn,
		tokens:   tokens,
		analyzer: analyzer,
		cfg:      cfg,
		log:      logging.Component(log, "session").With("session_id", id),
		send:     make(chan interface{}, cfg.WriterBuffer),
		progress: make(chan interface{}, cfg.ProgressBuffer),
		done:     make(chan struct{}),
		handles:  make(map[model.AnalysisID]*cancelHandle),
		topics:   make(map[string]struct{}),
	}
	if preAuthToken != "" {
		if _, ok, err := tokens.Validate(preAuthToken); err == nil && ok {
			s.authenticated.Store(true)
		}
	}
	return s
}

// SetOnClose registers a callback invoked once when the session terminates.
func (s *Session) SetOnClose(f func(*Session)) { s.onClose = f }

// HasTopic reports whether the session is currently subscribed to topic,
// used by Manager's broadcast.
func (s *Session) HasTopic(topic string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.topics[topic]
	return ok
}

// TrySend delivers msg to the session's writer, dropping it if the send
// buffer is full (spec §4.5/§5, "best-effort non-blocking send").
func (s *Session) TrySend(msg interface{}) bool {
	select {
	case s.send <- msg:
		return true
	default:
		return false
	}
}

// trySendProgress delivers an analysis_progress message on the smaller,
// dedicated progress channel (spec §5: capacity 32 vs. 64 for the writer),
// so a burst of progress ticks can never starve replies already queued on
// the writer channel.
func (s *Session) trySendProgress(msg interface{}) bool {
	select {
	case s.progress <- msg:
		return true
	default:
		return false
	}
}

// Run drives the session to completion: it blocks until the connection
// closes, ctx is cancelled, or the auth window expires unauthenticated.
func (s *Session) Run(ctx context.Context) {
	defer s.cleanup()

	go s.writeLoop(ctx)
	go s.pingLoop(ctx)

	msgCh := make(chan clientMessage)
	errCh := make(chan error, 1)
	go s.readLoop(msgCh, errCh)

	authTimer := time.NewTimer(s.cfg.AuthWindow)
	defer authTimer.Stop()
	if s.authenticated.Load() {
		if !authTimer.Stop() {
			<-authTimer.C
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-errCh:
			return
		case <-authTimer.C:
			if !s.authenticated.Load() {
				s.TrySend(errorMessage{Type: "error", Code: 401, Message: "auth window expired"})
				return
			}
		case msg := <-msgCh:
			if s.authenticated.Load() {
				s.handleActive(ctx, msg)
			} else {
				s.handlePreAuth(msg, authTimer)
			}
		}
	}
}

// readLoop is the only goroutine calling conn.ReadJSON, so the Conn
// contract (single reader) holds even though writes happen concurrently.
func (s *Session) readLoop(msgCh chan<- clientMessage, errCh chan<- error) {
	for {
		var msg clientMessage
		if err := s.conn.ReadJSON(&msg); err != nil {
			errCh <- err
			return
		}
		select {
		case msgCh <- msg:
		case <-s.done:
			return
		}
	}
}

func (s *Session) writeLoop(ctx context.Context) {
	for {
		var msg interface{}
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case msg = <-s.send:
		case msg = <-s.progress:
		}
		if err := s.conn.WriteJSON(msg); err != nil {
			s.log.Debugw("write failed, closing session", "error", err)
			s.cleanup()
			return
		}
	}
}

func (s *Session) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-ticker.C:
			s.TrySend(pingMessage{Type: "ping"})
		}
	}
}

// handlePreAuth implements spec §4.5 step 2: only auth and ping are
// accepted before authentication; anything else draws a 401.
func (s *Session) handlePreAuth(msg clientMessage, authTimer *time.Timer) {
	switch msg.Type {
	case "ping":
		s.TrySend(pongMessage{Type: "pong", ID: msg.ID})
	case "auth":
		_, ok, err := s.tokens.Validate(msg.Token)
		if err != nil || !ok {
			s.TrySend(errorMessage{Type: "error", ID: msg.ID, Code: 401, Message: "invalid token"})
			return
		}
		s.authenticated.Store(true)
		if !authTimer.Stop() {
			select {
			case <-authTimer.C:
			default:
			}
		}
		s.TrySend(authResultMessage{Type: "auth_result", Success: true})
	default:
		s.TrySend(errorMessage{Type: "error", ID: msg.ID, Code: 401, Message: "authentication required"})
	}
}

// handleActive implements spec §4.5 step 3's dispatch table.
func (s *Session) handleActive(ctx context.Context, msg clientMessage) {
	switch msg.Type {
	case "analyze":
		s.handleAnalyze(ctx, msg)
	case "cancel":
		s.handleCancel(msg)
	case "bestmove":
		s.handleBestMove(ctx, msg)
	case "subscribe":
		s.handleSubscribe(msg, true)
	case "unsubscribe":
		s.handleSubscribe(msg, false)
	case "ping":
		s.TrySend(pongMessage{Type: "pong", ID: msg.ID})
	default:
		s.log.Debugw("unknown message type", "type", msg.Type)
	}
}

func (s *Session) handleAnalyze(ctx context.Context, msg clientMessage) {
	analysisID := model.AnalysisID(msg.ID)

	s.mu.Lock()
	if len(s.handles) >= s.cfg.MaxConcurrent {
		s.mu.Unlock()
		s.TrySend(errorMessage{Type: "error", ID: msg.ID, Code: 429, Message: "too many in-flight analyses"})
		return
	}
	handle := newCancelHandle()
	s.handles[analysisID] = handle
	s.mu.Unlock()

	req := model.NewAnalysisRequest(analysisID, msg.FEN, msg.Depth, msg.MultiPV, msg.MovetimeMs)

	go func() {
		defer s.removeHandle(analysisID)

		result, err := s.analyzer.Analyze(ctx, req, handle.ch, func(p model.AnalysisProgress) {
			s.trySendProgress(analysisProgressMessage{Type: "analysis_progress", Progress: p})
		})
		if err != nil {
			if ierrors.KindOf(err) == ierrors.KindAnalysisCancelled {
				s.TrySend(analysisCancelledMessage{Type: "analysis_cancelled", AnalysisID: analysisID})
				return
			}
			s.TrySend(errorMessage{Type: "error", ID: msg.ID, Code: 500, Message: err.Error()})
			return
		}
		s.TrySend(analysisCompleteMessage{Type: "analysis_complete", ID: analysisID, Result: result})
	}()
}

func (s *Session) handleCancel(msg clientMessage) {
	id := model.AnalysisID(msg.AnalysisID)
	s.mu.Lock()
	handle, ok := s.handles[id]
	s.mu.Unlock()
	if !ok {
		return // silent if unknown, spec §4.5
	}
	handle.cancel()
}

func (s *Session) removeHandle(id model.AnalysisID) {
	s.mu.Lock()
	delete(s.handles, id)
	s.mu.Unlock()
}

func (s *Session) handleBestMove(ctx context.Context, msg clientMessage) {
	req := model.NewAnalysisRequest(model.AnalysisID(msg.ID), msg.FEN, model.DefaultDepth, 1, msg.MovetimeMs)
	go func() {
		result, err := s.analyzer.Analyze(ctx, req, nil, nil)
		if err != nil {
			s.TrySend(errorMessage{Type: "error", ID: msg.ID, Code: 500, Message: err.Error()})
			return
		}
		s.TrySend(bestMoveResultMessage{Type: "bestmove_result", ID: msg.ID, Result: result})
	}()
}

func (s *Session) handleSubscribe(msg clientMessage, subscribe bool) {
	s.mu.Lock()
	for _, t := range msg.Topics {
		if subscribe {
			s.topics[t] = struct{}{}
		} else {
			delete(s.topics, t)
		}
	}
	s.mu.Unlock()

	if subscribe {
		s.TrySend(subscribedMessage{Type: "subscribed", ID: msg.ID, Topics: msg.Topics})
	}
}

// cleanup cancels every in-flight analysis and unregisters the session
// (spec §4.5 step 5, "Disconnect").
func (s *Session) cleanup() {
	s.closeOnce.Do(func() {
		close(s.done)

		s.mu.Lock()
		for _, handle := range s.handles {
			handle.cancel()
		}
		s.handles = make(map[model.AnalysisID]*cancelHandle)
		s.mu.Unlock()

		_ = s.conn.Close()

		if s.onClose != nil {
			s.onClose(s)
		}
	})
}
