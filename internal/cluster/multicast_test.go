package cluster

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ironfish/clusterd/internal/model"
)

func TestMulticastDiscoverer_AnnounceAndDiscover(t *testing.T) {
	group := "239.255.42.98:17878" // distinct port to avoid clashing with a real deployment

	sender, err := NewMulticastDiscoverer(group)
	require.NoError(t, err)
	defer sender.Close()

	receiver, err := NewMulticastDiscoverer(group)
	require.NoError(t, err)
	defer receiver.Close()

	self := model.NodeInfo{ID: "node-a", Address: "127.0.0.1:9000", Priority: 5}
	require.NoError(t, sender.Announce(self))

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	found, _, err := receiver.Discover(ctx)
	require.NoError(t, err)

	if len(found) == 0 {
		t.Skip("multicast loopback unavailable in this sandbox")
	}
	assert.Equal(t, self.ID, found[0].ID)
}

func TestMulticastDiscoverer_Name(t *testing.T) {
	d := &MulticastDiscoverer{}
	assert.Equal(t, "multicast", d.Name())
}
