package dingtalk

import (
	"strings"
	"sync"
)

// PeerRegistry maps lowercased peer ids back to their original
// case-sensitive DingTalk conversationId values. ConversationIds are
// base64-encoded and case-sensitive, but session keys may be lowercased
// upstream; the registry restores the original casing for outbound sends.
type PeerRegistry struct {
	mu    sync.Mutex
	peers map[string]string
}

func NewPeerRegistry() *PeerRegistry {
	return &PeerRegistry{peers: make(map[string]string)}
}

// Register records an original peer id keyed by its lowercased form.
// Empty ids are ignored.
func (r *PeerRegistry) Register(id string) {
	if id == "" {
		return
	}
	r.mu.Lock()
	r.peers[strings.ToLower(id)] = id
	r.mu.Unlock()
}

// Resolve returns the original casing for a possibly-lowercased peer id,
// or the input unchanged when unknown.
func (r *PeerRegistry) Resolve(id string) string {
	if id == "" {
		return id
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if original, ok := r.peers[strings.ToLower(id)]; ok {
		return original
	}
	return id
}

// Clear empties the registry.
func (r *PeerRegistry) Clear() {
	r.mu.Lock()
	r.peers = make(map[string]string)
	r.mu.Unlock()
}
