package cluster

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ironfish/clusterd/internal/logging"
	"github.com/ironfish/clusterd/internal/model"
)

type fakeTokenApplier struct {
	created []*model.ApiToken
	updated []*model.ApiToken
	revoked []model.TokenID
}

func (f *fakeTokenApplier) ApplyGossipTokenCreated(t *model.ApiToken) error {
	f.created = append(f.created, t)
	return nil
}
func (f *fakeTokenApplier) ApplyGossipTokenUpdated(t *model.ApiToken) error {
	f.updated = append(f.updated, t)
	return nil
}
func (f *fakeTokenApplier) ApplyGossipTokenRevoked(id model.TokenID) error {
	f.revoked = append(f.revoked, id)
	return nil
}

func TestGossiper_DropsSelfOrigin(t *testing.T) {
	applier := &fakeTokenApplier{}
	peers := NewPeerTable()
	g := NewGossiper("self", peers, applier, nil, logging.Nop())

	env := model.GossipEnvelope{
		Message: model.GossipMessage{Kind: model.GossipTokenRevoked, TokenID: "t1"},
		Origin:  "self",
		Hops:    0,
	}
	g.HandleIncoming(env)
	assert.Empty(t, applier.revoked)
}

func TestGossiper_AppliesForeignOrigin(t *testing.T) {
	applier := &fakeTokenApplier{}
	peers := NewPeerTable()
	g := NewGossiper("self", peers, applier, nil, logging.Nop())

	env := model.GossipEnvelope{
		Message: model.GossipMessage{Kind: model.GossipTokenRevoked, TokenID: "t1"},
		Origin:  "peer-a",
		Hops:    0,
	}
	g.HandleIncoming(env)
	require.Len(t, applier.revoked, 1)
	assert.Equal(t, model.TokenID("t1"), applier.revoked[0])
}

func TestGossiper_StopsForwardingAtMaxHops(t *testing.T) {
	applier := &fakeTokenApplier{}
	peers := NewPeerTable()
	g := NewGossiper("self", peers, applier, nil, logging.Nop())

	// No healthy peers registered, so Broadcast is a no-op either way;
	// this test only verifies HandleIncoming doesn't panic/loop at the
	// hops ceiling and still applies the payload exactly once.
	env := model.GossipEnvelope{
		Message: model.GossipMessage{Kind: model.GossipTokenRevoked, TokenID: "t2"},
		Origin:  "peer-a",
		Hops:    model.MaxGossipHops,
	}
	g.HandleIncoming(env)
	require.Len(t, applier.revoked, 1)
}

func TestGossiper_TokenCreatedMergeAppliedThroughApplier(t *testing.T) {
	applier := &fakeTokenApplier{}
	peers := NewPeerTable()
	g := NewGossiper("self", peers, applier, nil, logging.Nop())

	tok := &model.ApiToken{ID: "t3", CreatedAt: time.Now()}
	env := model.GossipEnvelope{
		Message: model.GossipMessage{Kind: model.GossipTokenCreated, Token: tok},
		Origin:  "peer-b",
	}
	g.HandleIncoming(env)
	require.Len(t, applier.created, 1)
	assert.Equal(t, tok.ID, applier.created[0].ID)
}

func TestPeerTable_HealthTransitions(t *testing.T) {
	pt := NewPeerTable()
	pt.Upsert("a", "127.0.0.1:1")
	require.Len(t, pt.Healthy(), 1)

	pt.MarkUnhealthy("a")
	assert.Empty(t, pt.Healthy())

	pt.MarkHealthy("a")
	assert.Len(t, pt.Healthy(), 1)
}
