// Package hashring implements the consistent-hash placement layer described
// in spec §4.2: each silo contributes a fixed number of virtual nodes to a
// 64-bit ring, and actor keys are routed to the first virtual node at or
// after their hash. The ring is immutable once built -- AddSilo and
// RemoveSilo both return a new *Ring, leaving the receiver untouched, so a
// coordinator can atomically swap a package-level snapshot the way the
// teacher's channel mailbox swaps its closed flag: readers never observe a
// partial update.
package hashring

import (
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
)

// DefaultVirtualNodes is the default number of virtual nodes contributed per
// silo (spec §3: "default V=150").
const DefaultVirtualNodes = 150

// ErrNoSilos is returned by OwnerOf when the ring has no members.
var ErrNoSilos = errors.New("hashring: no silos in ring")

type vnode struct {
	hash   uint64
	siloID string
}

// Ring is an immutable consistent-hash ring. The zero value is not usable;
// construct one with New.
type Ring struct {
	virtualNodes int
	nodes        []vnode // sorted by (hash, siloID)
	members      map[string]struct{}
}

// New creates an empty ring with the given virtual-node count. A count of 0
// selects DefaultVirtualNodes.
func New(virtualNodes int) *Ring {
	if virtualNodes <= 0 {
		virtualNodes = DefaultVirtualNodes
	}

	return &Ring{
		virtualNodes: virtualNodes,
		members:      make(map[string]struct{}),
	}
}

// hashString is the 64-bit hash used for both virtual node placement and key
// lookup. FNV-1a is sufficient here: we need uniform distribution and
// determinism, not cryptographic strength.
func hashString(s string) uint64 {
	h := fnv.New64a()
	// Hash.Write on an FNV hash never errors.
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}

func virtualNodeID(siloID string, n int) string {
	return fmt.Sprintf("%s#%d", siloID, n)
}

// AddSilo returns a new ring with V virtual nodes for siloID inserted,
// deterministically derived from siloID. If siloID is already a member, r is
// returned unchanged (as a new *Ring sharing no mutable state, but
// equivalent).
func (r *Ring) AddSilo(siloID string) *Ring {
	if _, ok := r.members[siloID]; ok {
		return r.clone()
	}

	next := r.clone()
	next.members[siloID] = struct{}{}

	for i := 0; i < r.virtualNodes; i++ {
		next.nodes = append(next.nodes, vnode{
			hash:   hashString(virtualNodeID(siloID, i)),
			siloID: siloID,
		})
	}

	sortNodes(next.nodes)

	return next
}

// RemoveSilo returns a new ring with all of siloID's virtual nodes removed.
// Removing a non-member is a no-op.
func (r *Ring) RemoveSilo(siloID string) *Ring {
	if _, ok := r.members[siloID]; !ok {
		return r.clone()
	}

	next := &Ring{
		virtualNodes: r.virtualNodes,
		members:      make(map[string]struct{}, len(r.members)),
	}

	for id := range r.members {
		if id == siloID {
			continue
		}
		next.members[id] = struct{}{}
	}

	next.nodes = make([]vnode, 0, len(r.nodes))
	for _, n := range r.nodes {
		if n.siloID == siloID {
			continue
		}
		next.nodes = append(next.nodes, n)
	}

	return next
}

// OwnerOf returns the silo owning key, per spec §3: the first virtual node
// with hash >= hash(key), wrapping around to the lowest-hash node if key's
// hash exceeds every node's.
func (r *Ring) OwnerOf(key string) (string, error) {
	if len(r.nodes) == 0 {
		return "", ErrNoSilos
	}

	h := hashString(key)

	idx := sort.Search(len(r.nodes), func(i int) bool {
		return r.nodes[i].hash >= h
	})
	if idx == len(r.nodes) {
		idx = 0
	}

	return r.nodes[idx].siloID, nil
}

// Members returns the set of silo ids currently in the ring, sorted
// lexicographically.
func (r *Ring) Members() []string {
	out := make([]string, 0, len(r.members))
	for id := range r.members {
		out = append(out, id)
	}

	sort.Strings(out)

	return out
}

// Empty reports whether the ring has no members.
func (r *Ring) Empty() bool {
	return len(r.members) == 0
}

func (r *Ring) clone() *Ring {
	next := &Ring{
		virtualNodes: r.virtualNodes,
		nodes:        make([]vnode, len(r.nodes)),
		members:      make(map[string]struct{}, len(r.members)),
	}

	copy(next.nodes, r.nodes)

	for id := range r.members {
		next.members[id] = struct{}{}
	}

	return next
}

// sortNodes orders by hash first, then lexicographically by silo id to
// resolve 64-bit hash collisions deterministically (spec §4.2: "collisions
// are resolved by lexicographic silo_id order").
func sortNodes(nodes []vnode) {
	sort.Slice(nodes, func(i, j int) bool {
		if nodes[i].hash != nodes[j].hash {
			return nodes[i].hash < nodes[j].hash
		}
		return nodes[i].siloID < nodes[j].siloID
	})
}

// ActorKey builds the ring lookup key for an actor, per spec §3's
// hash(actor_type, actor_id). Reminders use the same key (spec §4.10),
// which is why reminder ownership automatically follows actor placement.
func ActorKey(actorType, actorID string) string {
	return actorType + "/" + actorID
}
