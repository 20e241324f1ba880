package registry

import (
	"sync"
	"time"

	"github.com/jinzhu/copier"
	"github.com/rbarazi/twilio-voice-agent/internal/domain"
	"github.com/rbarazi/twilio-voice-agent/pkg/logger"
	"go.uber.org/zap"
)

// CallRegistry provides thread-safe in-memory tracking of active calls keyed
// by Twilio call SID. Entries live only for the duration of the process.
type CallRegistry struct {
	calls map[string]*domain.CallRecord
	mutex sync.RWMutex
}

// NewCallRegistry creates an empty call registry.
func NewCallRegistry() *CallRegistry {
	return &CallRegistry{
		calls: make(map[string]*domain.CallRecord),
	}
}

// Put stores a call record, replacing any existing entry for the same SID.
func (r *CallRegistry) Put(record *domain.CallRecord) {
	if record == nil || record.CallSID == "" {
		return
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()

	now := time.Now()
	if record.StartedAt.IsZero() {
		record.StartedAt = now
	}
	record.UpdatedAt = now
	r.calls[record.CallSID] = copyRecord(record)

	logger.Base().Info("call registered",
		zap.String("call_sid", record.CallSID),
		zap.String("status", string(record.Status)))
}

// Get retrieves a call record by SID. The returned record is a deep copy so
// callers cannot mutate registry state.
func (r *CallRegistry) Get(callSID string) (*domain.CallRecord, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	record, exists := r.calls[callSID]
	if !exists {
		return nil, false
	}
	return copyRecord(record), true
}

// SetStatus updates the status of a call. Unknown SIDs are a no-op so late
// carrier callbacks after cleanup never fail.
func (r *CallRegistry) SetStatus(callSID string, status domain.CallStatus) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	record, exists := r.calls[callSID]
	if !exists {
		return
	}
	record.Status = status
	record.UpdatedAt = time.Now()

	logger.Base().Info("call status updated",
		zap.String("call_sid", callSID),
		zap.String("status", string(status)))
}

// Touch bumps the record's update time without changing anything else. Used
// by reconnecting media streams to defeat the delayed cleanup check.
func (r *CallRegistry) Touch(callSID string) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if record, exists := r.calls[callSID]; exists {
		record.UpdatedAt = time.Now()
	}
}

// Remove deletes a call record. Removing a missing SID is a no-op.
func (r *CallRegistry) Remove(callSID string) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if _, exists := r.calls[callSID]; exists {
		delete(r.calls, callSID)
		logger.Base().Info("call removed from registry", zap.String("call_sid", callSID))
	}
}

// List returns deep copies of all tracked call records.
func (r *CallRegistry) List() []*domain.CallRecord {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	records := make([]*domain.CallRecord, 0, len(r.calls))
	for _, record := range r.calls {
		records = append(records, copyRecord(record))
	}
	return records
}

// Count returns the number of tracked calls.
func (r *CallRegistry) Count() int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return len(r.calls)
}

// copyRecord creates a deep copy of a call record to prevent external
// modifications. Uses copier so newly added fields are covered automatically.
func copyRecord(original *domain.CallRecord) *domain.CallRecord {
	if original == nil {
		return nil
	}

	var copied domain.CallRecord
	if err := copier.CopyWithOption(&copied, original, copier.Option{DeepCopy: true}); err != nil {
		logger.Base().Warn("failed to copy call record", zap.Error(err))
		return original
	}
	return &copied
}
