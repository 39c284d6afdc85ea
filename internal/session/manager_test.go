package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ironfish/clusterd/internal/ierrors"
	"github.com/ironfish/clusterd/internal/logging"
)

func newTestSession(t *testing.T, id string) *Session {
	t.Helper()
	conn := newFakeConn()
	tokens := &fakeTokens{valid: map[string]bool{}}
	return New(id, conn, tokens, &fakeAnalyzer{}, Config{AuthWindow: time.Hour}, "", logging.Nop())
}

func TestManager_Register_EnforcesGlobalCap(t *testing.T) {
	m := NewManager(1, logging.Nop())

	require.NoError(t, m.Register(newTestSession(t, "s1")))
	err := m.Register(newTestSession(t, "s2"))
	require.Error(t, err)
	assert.Equal(t, ierrors.KindClusterUnavailable, ierrors.KindOf(err))
	assert.Equal(t, 1, m.Count())
}

func TestManager_Unregister_OnSessionClose(t *testing.T) {
	m := NewManager(2, logging.Nop())
	s := newTestSession(t, "s1")
	require.NoError(t, m.Register(s))
	assert.Equal(t, 1, m.Count())

	s.cleanup()
	assert.Equal(t, 0, m.Count())
}

func TestManager_Broadcast_OnlySendsToSubscribedTopics(t *testing.T) {
	m := NewManager(4, logging.Nop())
	s1 := newTestSession(t, "s1")
	s2 := newTestSession(t, "s2")
	require.NoError(t, m.Register(s1))
	require.NoError(t, m.Register(s2))

	s1.handleSubscribe(clientMessage{Topics: []string{"node-events"}}, true)

	m.Broadcast("node-events", pingMessage{Type: "ping"})

	select {
	case <-s1.send:
	default:
		t.Fatal("expected s1 to receive the broadcast")
	}
	select {
	case <-s2.send:
		t.Fatal("s2 should not have received the broadcast")
	default:
	}
}
