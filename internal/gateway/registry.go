package gateway

import (
	"sync"

	"github.com/justapithecus/factorio-agent/internal/telemetry"
)

// PeerRegistry tracks every currently connected peer so the Agent can
// fan a frame out to all of them — lifecycle transitions and in-game
// metric datapoints have no per-peer subscription request in spec.md
// 4.8, unlike LogSubscribe, so they're simply broadcast to whoever is
// connected.
type PeerRegistry struct {
	mu    sync.Mutex
	peers map[string]*Peer
}

func NewPeerRegistry() *PeerRegistry {
	return &PeerRegistry{peers: make(map[string]*Peer)}
}

func (r *PeerRegistry) register(p *Peer) {
	r.mu.Lock()
	r.peers[p.id] = p
	n := len(r.peers)
	r.mu.Unlock()
	telemetry.SetGatewayPeers(n)
}

func (r *PeerRegistry) unregister(id string) {
	r.mu.Lock()
	delete(r.peers, id)
	n := len(r.peers)
	r.mu.Unlock()
	telemetry.SetGatewayPeers(n)
}

// Count returns the number of currently connected peers.
func (r *PeerRegistry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}

// Broadcast enqueues env for delivery to every connected peer. Like
// Peer.Send, it never blocks: a peer with a full send buffer drops
// the frame rather than stalling the broadcaster.
func (r *PeerRegistry) Broadcast(env Envelope) {
	r.mu.Lock()
	peers := make([]*Peer, 0, len(r.peers))
	for _, p := range r.peers {
		peers = append(peers, p)
	}
	r.mu.Unlock()
	for _, p := range peers {
		p.Send(env)
	}
}
