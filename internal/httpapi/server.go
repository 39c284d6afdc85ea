// Package httpapi implements clusterd's REST and WebSocket surface (spec
// §6), the JSON-over-HTTP/1.1 sibling of internal/rpcserver's gRPC surface.
// Handlers follow server/response.go's writeJSON/writeError/readJSON shape
// and server/routing.go's path-prefix dispatch rather than pulling in a
// router dependency the teacher itself doesn't use for this kind of glue.
package httpapi

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ironfish/clusterd/internal/balancer"
	"github.com/ironfish/clusterd/internal/cluster"
	"github.com/ironfish/clusterd/internal/logging"
	"github.com/ironfish/clusterd/internal/model"
	"github.com/ironfish/clusterd/internal/node"
	"github.com/ironfish/clusterd/internal/session"
	"github.com/ironfish/clusterd/internal/version"
)

// routedHeader marks a request this node already forwarded from a peer's
// balancer decision, so the receiving node always analyzes locally instead
// of re-routing (spec §4.6: route once, never bounce).
const routedHeader = "X-Clusterd-Routed"

// tokenService is the subset of *token.Service the REST surface needs,
// declared locally so tests can substitute a fake without standing up a
// real bbolt-backed store.
type tokenService interface {
	session.TokenValidator
	Create(name string, expiresInDays *int, rateLimit *uint32) (string, *model.ApiToken, error)
	Delete(id model.TokenID) error
	List() ([]*model.ApiToken, error)
}

// Server holds every dependency the REST/WS surface dispatches into.
type Server struct {
	NodeID      model.NodeID
	AdminKey    string
	SessionCfg  session.Config
	Tokens      tokenService
	Analyzer    session.Analyzer
	Sessions    *session.Manager
	ClusterNode *node.Node
	Membership  *node.Membership
	Balancer    *balancer.Balancer
	Gossiper    *cluster.Gossiper

	log        *zap.SugaredLogger
	upgrader   websocket.Upgrader
	httpClient *http.Client
}

// New builds a Server. All fields besides log are expected to be set by the
// caller (cmd/ironfishd wires them); New only finishes construction.
func New(log *zap.SugaredLogger) *Server {
	return &Server{
		log: logging.Component(log, "httpapi"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// routeOrLocal decides whether this node should handle an analyze/bestmove
// request itself or hand it to the peer the load balancer names (spec
// §4.6). It returns ("", false) whenever the request should run locally:
// no balancer configured, the request already arrived forwarded from a
// peer, the balancer has nothing eligible (solo node, metrics not sampled
// yet), or it picked this node.
func (s *Server) routeOrLocal(r *http.Request) (peerAddr string, forward bool) {
	if s.Balancer == nil || s.Membership == nil || r.Header.Get(routedHeader) != "" {
		return "", false
	}
	target, err := s.Balancer.Select(balancer.CpuAware, nil)
	if err != nil || target == s.NodeID {
		return "", false
	}
	peer, found := s.Membership.Get(target)
	if !found || peer.Address == "" {
		return "", false
	}
	return peer.Address, true
}

// forwardAnalysis proxies body to peer's REST surface, tagging the request
// so the peer analyzes locally instead of routing again.
func (s *Server) forwardAnalysis(w http.ResponseWriter, r *http.Request, peerAddr, path string, body []byte) {
	req, err := http.NewRequestWithContext(r.Context(), http.MethodPost, "http://"+peerAddr+path, bytes.NewReader(body))
	if err != nil {
		writeError(w, http.StatusBadGateway, "failed to build upstream request")
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(routedHeader, "1")
	if auth := r.Header.Get("Authorization"); auth != "" {
		req.Header.Set("Authorization", auth)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		s.log.Warnw("upstream node unreachable, falling back would require a retry policy we don't have", "peer", peerAddr, "error", err)
		writeError(w, http.StatusBadGateway, "upstream node unreachable")
		return
	}
	defer resp.Body.Close()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

// Mux builds the http.ServeMux spec §6's REST table describes.
func (s *Server) Mux() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/metrics", s.handleHealth)
	mux.HandleFunc("/v1/health", s.handleV1Health)
	mux.HandleFunc("/v1/metrics", s.handleV1Metrics)
	mux.HandleFunc("/v1/analyze", s.requireBearer(s.handleAnalyze))
	mux.HandleFunc("/v1/bestmove", s.requireBearer(s.handleBestMove))
	mux.HandleFunc("/v1/analyze/", s.handleAnalyzeByID) // reserved, always 404
	mux.HandleFunc("/v1/ws", s.handleWebSocket)

	mux.HandleFunc("/_admin/cluster/status", s.requireAdmin(s.handleClusterStatus))
	mux.HandleFunc("/_admin/cluster/join", s.requireAdmin(s.handleClusterJoin))
	mux.HandleFunc("/_admin/cluster/leave", s.requireAdmin(s.handleClusterLeave))
	mux.HandleFunc("/_admin/tokens", s.requireAdmin(s.handleTokens))
	mux.HandleFunc("/_admin/tokens/", s.requireAdmin(s.handleTokenByID))

	return mux
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// requireBearer enforces "Authorization: Bearer iff_..." on user endpoints
// (spec §6 Auth).
func (s *Server) requireBearer(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		bearer := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if bearer == "" || bearer == r.Header.Get("Authorization") {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		if _, ok, err := s.Tokens.Validate(bearer); err != nil || !ok {
			writeError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}
		next(w, r)
	}
}

// requireAdmin enforces "X-Admin-Key" on /_admin endpoints (spec §6 Auth:
// 403 if the admin key isn't configured at all).
func (s *Server) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.AdminKey == "" {
			writeError(w, http.StatusForbidden, "admin interface not configured")
			return
		}
		if r.Header.Get("X-Admin-Key") != s.AdminKey {
			writeError(w, http.StatusForbidden, "invalid admin key")
			return
		}
		next(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleV1Health(w http.ResponseWriter, r *http.Request) {
	info := version.Get()
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"node_id": string(s.NodeID),
		"version": info.Version,
		"build":   info.String(),
	})
}

func (s *Server) handleV1Metrics(w http.ResponseWriter, r *http.Request) {
	sampler := node.NewSampler()
	cpuUsage, memUsage, err := sampler.Sample(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	active := s.Sessions.Count()
	metrics := node.Merge(cpuUsage, memUsage, active, 0, 0, 0, 0, 0)
	writeJSON(w, http.StatusOK, metrics)
}

type analyzeRequest struct {
	FEN        string  `json:"fen"`
	Depth      uint8   `json:"depth"`
	MultiPV    uint8   `json:"multipv"`
	MovetimeMs *uint64 `json:"movetime,omitempty"`
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if peerAddr, forward := s.routeOrLocal(r); forward {
		s.forwardAnalysis(w, r, peerAddr, "/v1/analyze", body)
		return
	}

	var req analyzeRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := model.ValidateFEN(req.FEN); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	analysis := model.NewAnalysisRequest(model.NewAnalysisID(), req.FEN, req.Depth, req.MultiPV, req.MovetimeMs)
	result, err := s.Analyzer.Analyze(r.Context(), analysis, nil, nil)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type bestMoveResponse struct {
	BestMove model.Move  `json:"best_move"`
	Ponder   *model.Move `json:"ponder,omitempty"`
}

func (s *Server) handleBestMove(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if peerAddr, forward := s.routeOrLocal(r); forward {
		s.forwardAnalysis(w, r, peerAddr, "/v1/bestmove", body)
		return
	}

	var req analyzeRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := model.ValidateFEN(req.FEN); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	analysis := model.NewAnalysisRequest(model.NewAnalysisID(), req.FEN, model.DefaultDepth, 1, req.MovetimeMs)
	result, err := s.Analyzer.Analyze(r.Context(), analysis, nil, nil)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, bestMoveResponse{BestMove: result.BestMove, Ponder: result.Ponder})
}

// handleAnalyzeByID is GET /v1/analyze/{id}: reserved, always 404 (spec §6).
func (s *Server) handleAnalyzeByID(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusNotFound, "not found")
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debugw("websocket upgrade failed", "error", err)
		return
	}

	conn := session.NewWSConn(ws, s.SessionCfg.MaxFrameBytes)
	preAuth := r.URL.Query().Get("token")
	sess := session.New(uuid.NewString(), conn, s.Tokens, s.Analyzer, s.SessionCfg, preAuth, s.log)

	if err := s.Sessions.Register(sess); err != nil {
		s.log.Debugw("session rejected", "error", err)
		_ = ws.Close()
		return
	}

	sess.Run(r.Context())
}

func (s *Server) handleClusterStatus(w http.ResponseWriter, r *http.Request) {
	if s.ClusterNode == nil || s.Membership == nil {
		writeError(w, http.StatusServiceUnavailable, "cluster runtime not initialized")
		return
	}
	status := node.Status(s.ClusterNode, s.Membership, nil)
	writeJSON(w, http.StatusOK, status)
}

type joinRequest struct {
	Address  string  `json:"address"`
	Priority *uint32 `json:"priority,omitempty"`
}

func (s *Server) handleClusterJoin(w http.ResponseWriter, r *http.Request) {
	var req joinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	priority := uint32(100)
	if req.Priority != nil {
		priority = *req.Priority
	}
	candidate := model.NodeInfo{
		ID:        model.NewNodeID(),
		Address:   req.Address,
		Priority:  priority,
		StartedAt: time.Now(),
		Version:   version.Version,
	}
	resp := node.HandleJoin(s.ClusterNode, s.Membership, candidate)
	writeJSON(w, http.StatusOK, resp)
}

type leaveRequest struct {
	NodeID model.NodeID `json:"node_id,omitempty"`
}

// handleClusterLeave implements spec §4.3's leave protocol ("removes the
// member unconditionally; any node can record a leave locally; gossip
// propagates"). The body is optional and defaults to this node leaving;
// an admin may also name a stuck peer's id to evict it directly.
func (s *Server) handleClusterLeave(w http.ResponseWriter, r *http.Request) {
	var req leaveRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	id := req.NodeID
	if id == "" {
		id = s.NodeID
	}

	if id == s.NodeID {
		if s.ClusterNode != nil {
			s.ClusterNode.SetState(model.StateLeaving)
		}
	} else if s.Membership != nil {
		s.Membership.Remove(id)
	}

	if s.Gossiper != nil {
		s.Gossiper.PublishNodeLeft(id)
	}

	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

type tokenCreateRequest struct {
	Name          string  `json:"name,omitempty"`
	ExpiresInDays *int    `json:"expires_in_days,omitempty"`
	RateLimit     *uint32 `json:"rate_limit,omitempty"`
}

func (s *Server) handleTokens(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		tokens, err := s.Tokens.List()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, tokens)
	case http.MethodPost:
		var req tokenCreateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		displayed, tok, err := s.Tokens.Create(req.Name, req.ExpiresInDays, req.RateLimit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"id":         tok.ID,
			"token":      displayed,
			"expires_at": tok.ExpiresAt,
		})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleTokenByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/_admin/tokens/")
	if id == "" {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	if err := s.Tokens.Delete(model.TokenID(id)); err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}
