package event

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rbarazi/twilio-voice-agent/pkg/logger"
	"go.uber.org/zap"
)

// observerConn serializes writes to a single websocket. gorilla websockets do
// not allow concurrent writers.
type observerConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (o *observerConn) writeJSON(v interface{}) error {
	o.writeMu.Lock()
	defer o.writeMu.Unlock()
	_ = o.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return o.conn.WriteJSON(v)
}

// Hub fans out domain events and caller audio to connected websocket
// observers. Delivery is best-effort at-most-once: a send failure drops the
// observer and never affects the call path.
type Hub struct {
	observers      map[string]*observerConn            // observer id -> conn
	audioListeners map[string]map[string]*observerConn // call sid -> observer id -> conn
	mutex          sync.RWMutex
}

// NewHub creates an empty fan-out hub.
func NewHub() *Hub {
	return &Hub{
		observers:      make(map[string]*observerConn),
		audioListeners: make(map[string]map[string]*observerConn),
	}
}

// AddObserver registers a websocket for the domain event stream and returns
// its observer id.
func (h *Hub) AddObserver(conn *websocket.Conn) string {
	id := uuid.NewString()

	h.mutex.Lock()
	h.observers[id] = &observerConn{conn: conn}
	h.mutex.Unlock()

	logger.Base().Info("event observer connected", zap.String("observer_id", id))
	return id
}

// RemoveObserver unregisters a domain event observer.
func (h *Hub) RemoveObserver(id string) {
	h.mutex.Lock()
	_, exists := h.observers[id]
	delete(h.observers, id)
	h.mutex.Unlock()

	if exists {
		logger.Base().Info("event observer removed", zap.String("observer_id", id))
	}
}

// AddAudioListener registers a websocket for a single call's caller audio and
// returns its observer id.
func (h *Hub) AddAudioListener(callSID string, conn *websocket.Conn) string {
	id := uuid.NewString()

	h.mutex.Lock()
	listeners, exists := h.audioListeners[callSID]
	if !exists {
		listeners = make(map[string]*observerConn)
		h.audioListeners[callSID] = listeners
	}
	listeners[id] = &observerConn{conn: conn}
	h.mutex.Unlock()

	logger.Base().Info("audio listener connected",
		zap.String("call_sid", callSID),
		zap.String("observer_id", id))
	return id
}

// RemoveAudioListener unregisters an audio listener from a call.
func (h *Hub) RemoveAudioListener(callSID, id string) {
	h.mutex.Lock()
	if listeners, exists := h.audioListeners[callSID]; exists {
		delete(listeners, id)
		if len(listeners) == 0 {
			delete(h.audioListeners, callSID)
		}
	}
	h.mutex.Unlock()
}

// HasAudioListeners reports whether any listener is attached to a call. The
// media loop checks this before doing any relay work per frame.
func (h *Hub) HasAudioListeners(callSID string) bool {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.audioListeners[callSID]) > 0
}

// Publish sends a domain event to every observer. Observers whose sockets
// fail are dropped.
func (h *Hub) Publish(eventType Type, callSID string, data interface{}) {
	envelope := newEnvelope(eventType, callSID, data)

	h.mutex.RLock()
	targets := make(map[string]*observerConn, len(h.observers))
	for id, obs := range h.observers {
		targets[id] = obs
	}
	h.mutex.RUnlock()

	var failed []string
	for id, obs := range targets {
		if err := obs.writeJSON(envelope); err != nil {
			failed = append(failed, id)
		}
	}
	h.dropObservers(failed)
}

// PublishAudio relays a base64 g711_ulaw payload to every listener attached
// to the call.
func (h *Hub) PublishAudio(callSID, payload string) {
	frame := &AudioFrame{
		Type:      "audio",
		Source:    AudioSourceCaller,
		Payload:   payload,
		Codec:     CodecG711ULaw,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}

	h.mutex.RLock()
	targets := make(map[string]*observerConn, len(h.audioListeners[callSID]))
	for id, obs := range h.audioListeners[callSID] {
		targets[id] = obs
	}
	h.mutex.RUnlock()

	var failed []string
	for id, obs := range targets {
		if err := obs.writeJSON(frame); err != nil {
			failed = append(failed, id)
		}
	}

	if len(failed) > 0 {
		h.mutex.Lock()
		if listeners, exists := h.audioListeners[callSID]; exists {
			for _, id := range failed {
				delete(listeners, id)
			}
			if len(listeners) == 0 {
				delete(h.audioListeners, callSID)
			}
		}
		h.mutex.Unlock()
		logger.Base().Warn("dropped failing audio listeners",
			zap.String("call_sid", callSID),
			zap.Int("count", len(failed)))
	}
}

func (h *Hub) dropObservers(ids []string) {
	if len(ids) == 0 {
		return
	}

	h.mutex.Lock()
	for _, id := range ids {
		delete(h.observers, id)
	}
	h.mutex.Unlock()

	logger.Base().Warn("dropped failing event observers", zap.Int("count", len(ids)))
}
