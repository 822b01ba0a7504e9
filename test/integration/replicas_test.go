package integration

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zde37/ringkv/internal/ring"
	"github.com/zde37/ringkv/pkg/hash"
)

// waitForReplicas waits until every node mirrors exactly its two ring
// predecessors.
func (tc *testCluster) waitForReplicas(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		r := tc.ecs.Ring()
		for _, entry := range r.Nodes() {
			n := tc.lookup(entry.Address())
			if n == nil {
				return false
			}
			ip, port, _ := ring.SplitAddress(entry.Address())
			want := map[string]bool{}
			for _, p := range r.Predecessors(ip, port, 2) {
				want[p.Address()] = true
			}
			got := n.Replicas()
			if len(got) != len(want) {
				return false
			}
			for _, addr := range got {
				if !want[addr] {
					return false
				}
			}
		}
		return true
	}, settleTimeout, settleTick)
}

func TestCleanupStaleReplicas(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	cluster := newTestCluster(t)
	defer cluster.shutdown(t)

	node1 := cluster.addNode(t, hash.MustParse("20000000000000000000000000000000"))
	cluster.addNode(t, hash.MustParse("60000000000000000000000000000000"))
	cluster.waitForRing(t, 2)

	// two nodes keep no mirrors
	for _, n := range cluster.nodes {
		assert.Empty(t, n.Replicas())
	}

	cluster.addNode(t, hash.MustParse("A0000000000000000000000000000000"))
	cluster.waitForRing(t, 3)
	cluster.waitForReplicas(t)

	c := cluster.client(t, node1.Address())
	data := seed(t, c, 30)

	// a fourth node between the second and third changes every mirror set
	cluster.addNode(t, hash.MustParse("80000000000000000000000000000000"))
	cluster.waitForRing(t, 4)
	cluster.waitForReplicas(t)
	assertReadable(t, c, data)

	t.Run("mirrors hold the owners' data", func(t *testing.T) {
		ctx := context.Background()
		for key, want := range data {
			owner, ok := cluster.ecs.Ring().LookupByHash(hash.Key(key))
			require.True(t, ok)
			ip, port, _ := ring.SplitAddress(owner.Address())
			for _, s := range cluster.ecs.Ring().Successors(ip, port, 2) {
				assert.Eventually(t, func() bool {
					reply, err := c.Call(ctx, s.Address(), "get "+key)
					return err == nil && reply == "get_success "+key+" "+want
				}, settleTimeout, settleTick, "mirror %s of %s", s.Address(), key)
			}
		}
	})

	t.Run("reads served by replica holders", func(t *testing.T) {
		cfg := cluster.clientConfig(node1.Address())
		cfg.ReplicaReads = true
		reader := cluster.clientWith(t, cfg)

		ctx := context.Background()
		for key, want := range data {
			got, err := reader.Get(ctx, key)
			require.NoError(t, err, "key %s", key)
			assert.Equal(t, want, got)
		}
	})

	t.Run("leave drops back to two nodes", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
		defer cancel()

		for _, n := range cluster.nodes[2:] {
			require.NoError(t, n.Leave(ctx))
			require.NoError(t, n.Stop())
		}
		cluster.waitForRing(t, 2)
		assert.Eventually(t, func() bool {
			return len(cluster.nodes[0].Replicas()) == 0 && len(cluster.nodes[1].Replicas()) == 0
		}, settleTimeout, settleTick)
		assertReadable(t, c, data)
	})
}
