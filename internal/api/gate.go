package api

import (
	"hash/fnv"
	"sync"
)

// gateShardCount keeps lock contention low without a per-user mutex table
// that grows forever.
const gateShardCount = 32

// Gate enforces per-user exclusivity for inbound processing: while one
// message from a user is being handled, further messages from the same user
// are dropped instead of queued.
type Gate struct {
	shards [gateShardCount]gateShard
}

type gateShard struct {
	mu       sync.Mutex
	inFlight map[string]struct{}
}

// NewGate creates an empty Gate.
func NewGate() *Gate {
	g := &Gate{}
	for i := range g.shards {
		g.shards[i].inFlight = make(map[string]struct{})
	}
	return g
}

// TryAcquire marks the user as in flight. It returns false when a message
// from the same user is already being processed.
func (g *Gate) TryAcquire(userID string) bool {
	shard := g.shard(userID)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	if _, busy := shard.inFlight[userID]; busy {
		return false
	}
	shard.inFlight[userID] = struct{}{}
	return true
}

// Release clears the in-flight marker for the user.
func (g *Gate) Release(userID string) {
	shard := g.shard(userID)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	delete(shard.inFlight, userID)
}

func (g *Gate) shard(userID string) *gateShard {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return &g.shards[h.Sum32()%gateShardCount]
}
