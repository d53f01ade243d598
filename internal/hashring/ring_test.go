package hashring

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestOwnerOfEmptyRingFails(t *testing.T) {
	r := New(0)
	_, err := r.OwnerOf(ActorKey("Order", "o1"))
	require.ErrorIs(t, err, ErrNoSilos)
}

func TestAddSiloIsImmutable(t *testing.T) {
	empty := New(0)
	withA := empty.AddSilo("silo-a")

	require.True(t, empty.Empty())
	require.False(t, withA.Empty())
	require.Equal(t, []string{"silo-a"}, withA.Members())
}

func TestRemoveSiloIsImmutable(t *testing.T) {
	r := New(0).AddSilo("silo-a").AddSilo("silo-b")
	withoutB := r.RemoveSilo("silo-b")

	require.Equal(t, []string{"silo-a", "silo-b"}, r.Members())
	require.Equal(t, []string{"silo-a"}, withoutB.Members())
}

func TestOwnerOfIsDeterministic(t *testing.T) {
	r := New(50).AddSilo("silo-a").AddSilo("silo-b").AddSilo("silo-c")

	owner1, err := r.OwnerOf(ActorKey("Order", "o1"))
	require.NoError(t, err)

	owner2, err := r.OwnerOf(ActorKey("Order", "o1"))
	require.NoError(t, err)

	require.Equal(t, owner1, owner2)
}

func TestRemoveAllSilosReturnsToEmpty(t *testing.T) {
	r := New(0).AddSilo("silo-a")
	r = r.RemoveSilo("silo-a")

	require.True(t, r.Empty())
	_, err := r.OwnerOf(ActorKey("Order", "o1"))
	require.ErrorIs(t, err, ErrNoSilos)
}

// TestRebalanceMovesBoundedFraction checks the §4.2 rebalance property:
// adding one silo to an N-silo ring moves roughly 1/(N+1) of keys, generously
// bounded here since virtual-node hashing only approximates uniformity for a
// finite key sample.
func TestRebalanceMovesBoundedFraction(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(2, 8).Draw(t, "n")

		r := New(DefaultVirtualNodes)
		for i := 0; i < n; i++ {
			r = r.AddSilo(fmt.Sprintf("silo-%d", i))
		}

		const numKeys = 2000
		keys := make([]string, numKeys)
		before := make([]string, numKeys)

		for i := range keys {
			keys[i] = ActorKey("Entity", fmt.Sprintf("e-%d", i))
			owner, err := r.OwnerOf(keys[i])
			require.NoError(t, err)
			before[i] = owner
		}

		after := r.AddSilo(fmt.Sprintf("silo-%d", n))

		moved := 0
		for i, k := range keys {
			owner, err := after.OwnerOf(k)
			require.NoError(t, err)
			if owner != before[i] {
				moved++
			}
		}

		expected := 1.0 / float64(n+1)
		actual := float64(moved) / float64(numKeys)

		// Generous slack: expect no more than 3x the ideal fraction to
		// move, catching a placement bug (e.g. rehashing everything)
		// without being a flaky statistical assertion.
		require.Lessf(t, actual, expected*3+0.05,
			"moved %d/%d keys (%.3f), expected around %.3f",
			moved, numKeys, actual, expected)
	})
}

func TestTieBreakIsLexicographic(t *testing.T) {
	// Two single-virtual-node rings colliding on hash would be
	// vanishingly rare to construct directly; instead we assert the
	// sort itself is hash-then-id by inspecting nodes with forced equal
	// hashes.
	nodes := []vnode{
		{hash: 5, siloID: "b"},
		{hash: 5, siloID: "a"},
		{hash: 1, siloID: "z"},
	}
	sortNodes(nodes)

	require.Equal(t, "z", nodes[0].siloID)
	require.Equal(t, "a", nodes[1].siloID)
	require.Equal(t, "b", nodes[2].siloID)
}
