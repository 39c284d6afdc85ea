package cluster

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ironfish/clusterd/internal/model"
)

func TestGossipListenAddr_AddsHundredToPort(t *testing.T) {
	addr, port, err := gossipListenAddr("0.0.0.0:8080")
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:8180", addr)
	assert.Equal(t, 8180, port)
}

func TestGossipListenAddr_RejectsMissingPort(t *testing.T) {
	_, _, err := gossipListenAddr("not-a-host-port")
	assert.Error(t, err)
}

func TestEnvelopeLog_EntriesSinceFiltersByVersion(t *testing.T) {
	l := newEnvelopeLog()
	l.Record(model.GossipEnvelope{Version: 1})
	l.Record(model.GossipEnvelope{Version: 5})
	l.Record(model.GossipEnvelope{Version: 10})

	entries := l.EntriesSince(5)
	require.Len(t, entries, 2)
	assert.EqualValues(t, 5, entries[0].Version)
	assert.EqualValues(t, 10, entries[1].Version)
}

func TestEnvelopeLog_BoundedRetention(t *testing.T) {
	l := newEnvelopeLog()
	for i := 0; i < 5000; i++ {
		l.Record(model.GossipEnvelope{Version: uint64(i)})
	}
	assert.LessOrEqual(t, len(l.entries), 4096)
}
