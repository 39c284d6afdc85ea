package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ironfish/clusterd/internal/logging"
	"github.com/ironfish/clusterd/internal/model"
	"github.com/ironfish/clusterd/internal/session"
)

type fakeAnalyzer struct {
	result *model.AnalysisResult
	err    error
}

func (f *fakeAnalyzer) Analyze(ctx context.Context, req model.AnalysisRequest, cancel <-chan struct{}, onProgress func(model.AnalysisProgress)) (*model.AnalysisResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

type fakeTokens struct {
	valid map[string]bool
}

func (f *fakeTokens) Validate(displayed string) (*model.ApiToken, bool, error) {
	if f.valid[displayed] {
		return &model.ApiToken{}, true, nil
	}
	return nil, false, nil
}

func (f *fakeTokens) Create(name string, expiresInDays *int, rateLimit *uint32) (string, *model.ApiToken, error) {
	return "iff_fake", &model.ApiToken{}, nil
}

func (f *fakeTokens) Delete(id model.TokenID) error { return nil }

func (f *fakeTokens) List() ([]*model.ApiToken, error) { return nil, nil }

const testStartingFEN = "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1"

func newTestServer() *Server {
	s := New(logging.Nop())
	s.Analyzer = &fakeAnalyzer{result: &model.AnalysisResult{ID: "a1", BestMove: model.Move{From: "e2", To: "e4"}}}
	s.SessionCfg = session.Config{}
	return s
}

func TestHandleHealth_ReturnsOK(t *testing.T) {
	s := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()

	s.Mux().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleAnalyze_RequiresBearerToken(t *testing.T) {
	s := newTestServer()
	s.Tokens = &fakeTokens{valid: map[string]bool{}}

	body, _ := json.Marshal(analyzeRequest{FEN: testStartingFEN})
	req := httptest.NewRequest(http.MethodPost, "/v1/analyze", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	s.Mux().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandleAnalyze_RejectsInvalidFEN(t *testing.T) {
	s := newTestServer()
	s.Tokens = &fakeTokens{valid: map[string]bool{"good": true}}

	body, _ := json.Marshal(analyzeRequest{FEN: "not-a-fen"})
	req := httptest.NewRequest(http.MethodPost, "/v1/analyze", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer good")
	rec := httptest.NewRecorder()

	s.Mux().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleAnalyze_Succeeds(t *testing.T) {
	s := newTestServer()
	s.Tokens = &fakeTokens{valid: map[string]bool{"good": true}}

	body, _ := json.Marshal(analyzeRequest{FEN: testStartingFEN, Depth: 10, MultiPV: 1})
	req := httptest.NewRequest(http.MethodPost, "/v1/analyze", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer good")
	rec := httptest.NewRecorder()

	s.Mux().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var result model.AnalysisResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, "e2", result.BestMove.From)
}

func TestAdminEndpoints_RejectWith403WhenKeyUnconfigured(t *testing.T) {
	s := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/_admin/cluster/status", nil)
	rec := httptest.NewRecorder()

	s.Mux().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAdminEndpoints_RejectWrongKey(t *testing.T) {
	s := newTestServer()
	s.AdminKey = "secret"
	req := httptest.NewRequest(http.MethodGet, "/_admin/cluster/status", nil)
	req.Header.Set("X-Admin-Key", "wrong")
	rec := httptest.NewRecorder()

	s.Mux().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAnalyzeByID_AlwaysReturns404(t *testing.T) {
	s := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/v1/analyze/some-id", nil)
	rec := httptest.NewRecorder()

	s.Mux().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}
