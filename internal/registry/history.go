package registry

import (
	"sync"
	"time"

	"github.com/rbarazi/twilio-voice-agent/internal/domain"
	"github.com/rbarazi/twilio-voice-agent/pkg/logger"
	"go.uber.org/zap"
)

type conversation struct {
	messages      []domain.Message
	lastUpdatedAt time.Time
}

// HistoryStore keeps per-call conversation transcripts. Histories outlive the
// media connection that produced them so a reconnecting stream can resume the
// conversation; they are purged by the delayed cleanup or the idle sweeper.
type HistoryStore struct {
	conversations map[string]*conversation
	mutex         sync.RWMutex
}

// NewHistoryStore creates an empty history store.
func NewHistoryStore() *HistoryStore {
	return &HistoryStore{
		conversations: make(map[string]*conversation),
	}
}

// Append adds a transcript entry for a call. Empty text is ignored.
func (s *HistoryStore) Append(callSID, role, text string) {
	if callSID == "" || text == "" {
		return
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	conv, exists := s.conversations[callSID]
	if !exists {
		conv = &conversation{}
		s.conversations[callSID] = conv
	}
	now := time.Now()
	conv.messages = append(conv.messages, domain.Message{Role: role, Text: text, Timestamp: now})
	conv.lastUpdatedAt = now
}

// Get returns a copy of the conversation history for a call.
func (s *HistoryStore) Get(callSID string) []domain.Message {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	conv, exists := s.conversations[callSID]
	if !exists {
		return nil
	}
	messages := make([]domain.Message, len(conv.messages))
	copy(messages, conv.messages)
	return messages
}

// NonEmpty reports whether a call has any recorded history.
func (s *HistoryStore) NonEmpty(callSID string) bool {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	conv, exists := s.conversations[callSID]
	return exists && len(conv.messages) > 0
}

// LastUpdatedAt returns the time of the most recent append for a call, or the
// zero time when no history exists.
func (s *HistoryStore) LastUpdatedAt(callSID string) time.Time {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	if conv, exists := s.conversations[callSID]; exists {
		return conv.lastUpdatedAt
	}
	return time.Time{}
}

// Touch bumps the history timestamp without appending. A reconnecting media
// stream calls this so the delayed cleanup from the previous connection sees
// activity and leaves the call alone.
func (s *HistoryStore) Touch(callSID string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if conv, exists := s.conversations[callSID]; exists {
		conv.lastUpdatedAt = time.Now()
	}
}

// Purge removes the history for a call.
func (s *HistoryStore) Purge(callSID string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, exists := s.conversations[callSID]; exists {
		delete(s.conversations, callSID)
		logger.Base().Info("conversation history purged", zap.String("call_sid", callSID))
	}
}

// PurgeIdle removes histories that have not been updated within maxIdle and
// returns the affected call SIDs. Used by the periodic sweeper to reclaim
// histories whose calls never came back.
func (s *HistoryStore) PurgeIdle(maxIdle time.Duration) []string {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	cutoff := time.Now().Add(-maxIdle)
	purged := make([]string, 0)
	for callSID, conv := range s.conversations {
		if conv.lastUpdatedAt.Before(cutoff) {
			delete(s.conversations, callSID)
			purged = append(purged, callSID)
		}
	}
	return purged
}
