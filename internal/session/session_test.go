package session

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ironfish/clusterd/internal/ierrors"
	"github.com/ironfish/clusterd/internal/logging"
	"github.com/ironfish/clusterd/internal/model"
)

// fakeConn is an in-memory Conn for tests: incoming carries pre-canned
// client messages, outgoing captures every server write.
type fakeConn struct {
	incoming chan clientMessage
	outgoing chan interface{}
	closed   chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		incoming: make(chan clientMessage, 16),
		outgoing: make(chan interface{}, 16),
		closed:   make(chan struct{}),
	}
}

func (c *fakeConn) ReadJSON(v interface{}) error {
	select {
	case msg, ok := <-c.incoming:
		if !ok {
			return errConnClosed
		}
		// Round-trip through JSON so v is populated the same way a real
		// websocket decode would populate it.
		b, _ := json.Marshal(msg)
		return json.Unmarshal(b, v)
	case <-c.closed:
		return errConnClosed
	}
}

func (c *fakeConn) WriteJSON(v interface{}) error {
	select {
	case c.outgoing <- v:
		return nil
	case <-c.closed:
		return errConnClosed
	}
}

func (c *fakeConn) Close() error {
	select {
	case <-c.closed:
	default:
		close(c.closed)
	}
	return nil
}

var errConnClosed = context.Canceled

type fakeTokens struct {
	valid map[string]bool
}

func (f *fakeTokens) Validate(displayed string) (*model.ApiToken, bool, error) {
	if f.valid[displayed] {
		return &model.ApiToken{}, true, nil
	}
	return nil, false, nil
}

type fakeAnalyzer struct {
	result    *model.AnalysisResult
	err       error
	cancelled bool
}

func (f *fakeAnalyzer) Analyze(ctx context.Context, req model.AnalysisRequest, cancel <-chan struct{}, onProgress func(model.AnalysisProgress)) (*model.AnalysisResult, error) {
	if onProgress != nil {
		onProgress(model.AnalysisProgress{ID: req.ID, CurrentDepth: 1})
	}
	if cancel != nil {
		select {
		case <-cancel:
			return nil, ierrors.WithKind(ierrors.New("analysis cancelled"), ierrors.KindAnalysisCancelled)
		default:
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func waitFor(t *testing.T, ch <-chan interface{}) interface{} {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

func TestSession_PreAuthWindow_RejectsNonAuthMessages(t *testing.T) {
	conn := newFakeConn()
	tokens := &fakeTokens{valid: map[string]bool{}}
	s := New("s1", conn, tokens, &fakeAnalyzer{}, Config{AuthWindow: time.Minute}, "", logging.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	conn.incoming <- clientMessage{Type: "analyze", ID: "a1", FEN: "x"}

	msg := waitFor(t, conn.outgoing)
	errMsg, ok := msg.(errorMessage)
	require.True(t, ok)
	assert.Equal(t, 401, errMsg.Code)
}

func TestSession_Auth_Succeeds(t *testing.T) {
	conn := newFakeConn()
	tokens := &fakeTokens{valid: map[string]bool{"good-token": true}}
	s := New("s1", conn, tokens, &fakeAnalyzer{}, Config{AuthWindow: time.Minute}, "", logging.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	conn.incoming <- clientMessage{Type: "auth", ID: "a1", Token: "good-token"}

	msg := waitFor(t, conn.outgoing)
	result, ok := msg.(authResultMessage)
	require.True(t, ok)
	assert.True(t, result.Success)
	assert.True(t, s.authenticated.Load())
}

func TestSession_PreAuthToken_StartsAuthenticated(t *testing.T) {
	conn := newFakeConn()
	tokens := &fakeTokens{valid: map[string]bool{"good-token": true}}
	s := New("s1", conn, tokens, &fakeAnalyzer{result: &model.AnalysisResult{ID: "x"}}, Config{AuthWindow: time.Millisecond}, "good-token", logging.Nop())
	assert.True(t, s.authenticated.Load())
}

func TestSession_AuthWindowExpires_ClosesSession(t *testing.T) {
	conn := newFakeConn()
	tokens := &fakeTokens{valid: map[string]bool{}}
	s := New("s1", conn, tokens, &fakeAnalyzer{}, Config{AuthWindow: 20 * time.Millisecond}, "", logging.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	msg := waitFor(t, conn.outgoing)
	errMsg, ok := msg.(errorMessage)
	require.True(t, ok)
	assert.Equal(t, 401, errMsg.Code)

	select {
	case <-conn.closed:
	case <-time.After(time.Second):
		t.Fatal("expected session to close on auth window expiry")
	}
}

func TestSession_Analyze_EmitsProgressThenComplete(t *testing.T) {
	conn := newFakeConn()
	tokens := &fakeTokens{valid: map[string]bool{"pretend-authed": true}}
	analyzer := &fakeAnalyzer{result: &model.AnalysisResult{ID: "a1", BestMove: model.Move{From: "e2", To: "e4"}}}
	s := New("s1", conn, tokens, analyzer, Config{AuthWindow: time.Minute}, "pretend-authed", logging.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	conn.incoming <- clientMessage{Type: "analyze", ID: "a1", FEN: "x", Depth: 10, MultiPV: 1}

	progress := waitFor(t, conn.outgoing)
	_, ok := progress.(analysisProgressMessage)
	require.True(t, ok)

	complete := waitFor(t, conn.outgoing)
	completeMsg, ok := complete.(analysisCompleteMessage)
	require.True(t, ok)
	assert.Equal(t, model.AnalysisID("a1"), completeMsg.ID)
}

func TestSession_Cancel_UnknownHandleIsSilent(t *testing.T) {
	conn := newFakeConn()
	tokens := &fakeTokens{valid: map[string]bool{"pretend-authed": true}}
	s := New("s1", conn, tokens, &fakeAnalyzer{}, Config{AuthWindow: time.Minute}, "pretend-authed", logging.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	conn.incoming <- clientMessage{Type: "cancel", ID: "c1", AnalysisID: "does-not-exist"}

	select {
	case msg := <-conn.outgoing:
		t.Fatalf("expected no reply for unknown cancel, got %#v", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSession_MaxConcurrentAnalyses_Rejects(t *testing.T) {
	conn := newFakeConn()
	tokens := &fakeTokens{valid: map[string]bool{"pretend-authed": true}}
	blocking := &blockingAnalyzer{release: make(chan struct{})}
	s := New("s1", conn, tokens, blocking, Config{AuthWindow: time.Minute, MaxConcurrent: 1}, "pretend-authed", logging.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	conn.incoming <- clientMessage{Type: "analyze", ID: "a1", FEN: "x"}
	time.Sleep(20 * time.Millisecond) // let the first handle register

	conn.incoming <- clientMessage{Type: "analyze", ID: "a2", FEN: "x"}

	msg := waitFor(t, conn.outgoing)
	errMsg, ok := msg.(errorMessage)
	require.True(t, ok)
	assert.Equal(t, 429, errMsg.Code)
	close(blocking.release)
}

// blockingAnalyzer never returns until release is closed, to exercise the
// in-flight concurrency cap.
type blockingAnalyzer struct {
	release chan struct{}
}

func (b *blockingAnalyzer) Analyze(ctx context.Context, req model.AnalysisRequest, cancel <-chan struct{}, onProgress func(model.AnalysisProgress)) (*model.AnalysisResult, error) {
	select {
	case <-b.release:
	case <-cancel:
	}
	return &model.AnalysisResult{ID: req.ID}, nil
}
