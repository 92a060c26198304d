package dingtalk

import (
	"sync"
	"time"

	"github.com/soimy/openclaw-channel-dingtalk/internal/config"
)

// AI card streaming states.
const (
	CardStateProcessing = "PROCESSING"
	CardStateInputing   = "INPUTING"
	CardStateFinished   = "FINISHED"
	CardStateFailed     = "FAILED"
)

// Terminal cards stay cached for an hour so late stream calls can observe
// the final state before the sweep removes them.
const cardRetention = time.Hour

// IsTerminalCardState reports whether a card can no longer accept updates.
func IsTerminalCardState(state string) bool {
	return state == CardStateFinished || state == CardStateFailed
}

// CardInstance is a delivered AI card under streaming updates.
type CardInstance struct {
	ID               string
	AccessToken      string
	ConversationID   string
	AccountID        string
	CreatedAt        time.Time
	LastUpdated      time.Time
	TokenRefreshedAt time.Time
	State            string
	Config           config.AccountConfig
}

// TargetKey identifies the conversation a card streams into.
func (c *CardInstance) TargetKey() string {
	return c.AccountID + ":" + c.ConversationID
}

// CardStore holds live card instances and the at-most-one active card per
// conversation mapping. All state transitions go through store methods so
// the invariant holds under concurrent streaming.
type CardStore struct {
	mu       sync.Mutex
	cards    map[string]*CardInstance
	byTarget map[string]string
}

func NewCardStore() *CardStore {
	return &CardStore{
		cards:    make(map[string]*CardInstance),
		byTarget: make(map[string]string),
	}
}

// Put registers a card and makes it the active card for its conversation.
func (s *CardStore) Put(card *CardInstance) {
	s.mu.Lock()
	s.cards[card.ID] = card
	s.byTarget[card.TargetKey()] = card.ID
	s.mu.Unlock()
}

// Get returns a snapshot of the card, if present.
func (s *CardStore) Get(id string) (CardInstance, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	card, ok := s.cards[id]
	if !ok {
		return CardInstance{}, false
	}
	return *card, true
}

// ActiveCardID returns the active card for a target key.
func (s *CardStore) ActiveCardID(targetKey string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byTarget[targetKey]
	return id, ok
}

// DeleteActiveTarget removes the active-card mapping for a target without
// touching the instance itself.
func (s *CardStore) DeleteActiveTarget(targetKey string) {
	s.mu.Lock()
	delete(s.byTarget, targetKey)
	s.mu.Unlock()
}

// Advance moves a card forward after a successful stream update:
// PROCESSING becomes INPUTING on the first delta, and a finalize update
// lands in FINISHED.
func (s *CardStore) Advance(id string, finished bool, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	card, ok := s.cards[id]
	if !ok {
		return
	}
	card.LastUpdated = now
	if finished {
		card.State = CardStateFinished
		return
	}
	if card.State == CardStateProcessing {
		card.State = CardStateInputing
	}
}

// Fail marks a card FAILED unless it already reached a terminal state.
func (s *CardStore) Fail(id string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	card, ok := s.cards[id]
	if !ok || IsTerminalCardState(card.State) {
		return
	}
	card.State = CardStateFailed
	card.LastUpdated = now
}

// SetToken stores a refreshed access token on the card.
func (s *CardStore) SetToken(id, token string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if card, ok := s.cards[id]; ok {
		card.AccessToken = token
		card.TokenRefreshedAt = now
	}
}

// Sweep removes terminal cards older than the retention window, along with
// their active-target mapping. Non-terminal cards are never swept so a
// streaming reply keeps its continuity. Returns the number removed.
func (s *CardStore) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, card := range s.cards {
		if !IsTerminalCardState(card.State) {
			continue
		}
		if now.Sub(card.LastUpdated) <= cardRetention {
			continue
		}
		delete(s.cards, id)
		removed++
		for target, mapped := range s.byTarget {
			if mapped == id {
				delete(s.byTarget, target)
				break
			}
		}
	}
	return removed
}

// Len reports the number of cached card instances.
func (s *CardStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.cards)
}

// Clear empties the store.
func (s *CardStore) Clear() {
	s.mu.Lock()
	s.cards = make(map[string]*CardInstance)
	s.byTarget = make(map[string]string)
	s.mu.Unlock()
}
