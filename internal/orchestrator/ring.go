package orchestrator

import (
	"hash/fnv"
	"sync"

	rendezvous "github.com/dgryski/go-rendezvous"
)

// Ring consistent-hashes conversation_id to an orchestrator replica (§5 "consistent-hashing conversation_id to
// an orchestrator replica for send ordering"). It is rebuilt wholesale on membership change, which rendezvous
// hashing makes cheap: only keys owned by the changed node move.
type Ring struct {
	mu   sync.RWMutex
	rv   *rendezvous.Rendezvous
	self string
}

func hashString(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}

// NewRing builds a ring over the given replica instance IDs. self is this process's own instance ID, used by
// Owns to decide whether an inbound frame should be handled locally or forwarded.
func NewRing(replicas []string, self string) *Ring {
	return &Ring{rv: rendezvous.New(replicas, hashString), self: self}
}

// OwnerOf returns the instance ID of the replica responsible for a conversation.
func (r *Ring) OwnerOf(conversationID string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rv.Lookup(conversationID)
}

// Owns reports whether this process is the current owner of conversationID.
func (r *Ring) Owns(conversationID string) bool {
	return r.OwnerOf(conversationID) == r.self
}

// Update rebuilds the ring membership, e.g. after the registry reports a replica crash (§5 "Crash of an
// orchestrator replica causes the hash ring to reassign the conversation").
func (r *Ring) Update(replicas []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rv = rendezvous.New(replicas, hashString)
}
