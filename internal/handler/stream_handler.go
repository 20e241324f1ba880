package handler

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rbarazi/twilio-voice-agent/internal/services/call"
	"github.com/rbarazi/twilio-voice-agent/pkg/logger"
	"go.uber.org/zap"
)

// StreamHandler serves the websocket endpoints: the carrier media stream and
// the monitoring fan-outs.
type StreamHandler struct {
	service  *call.Service
	upgrader websocket.Upgrader
}

// NewStreamHandler creates a new stream handler
func NewStreamHandler(service *call.Service) *StreamHandler {
	return &StreamHandler{
		service: service,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// HandleMediaStream accepts a carrier media stream connection and runs a
// bridge on it until the stream ends.
// GET /twilio/media-stream
func (h *StreamHandler) HandleMediaStream(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Base().Error("media stream upgrade failed", zap.Error(err))
		return
	}

	logger.Base().Info("media stream connection accepted",
		zap.String("remote_addr", r.RemoteAddr))
	h.service.NewBridge(conn).Run(r.Context())
}

// HandleEvents streams lifecycle and transcript events for all calls.
// GET /twilio/events
func (h *StreamHandler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Base().Error("events upgrade failed", zap.Error(err))
		return
	}

	hub := h.service.Hub()
	id := hub.AddObserver(conn)
	defer hub.RemoveObserver(id)

	logger.Base().Info("event observer connected",
		zap.String("observer_id", id),
		zap.String("remote_addr", r.RemoteAddr))

	// Observers only receive; the read loop just detects disconnect.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			logger.Base().Info("event observer disconnected", zap.String("observer_id", id))
			return
		}
	}
}

// HandleAudioStream streams the caller audio of one call.
// GET /twilio/audio-stream/{callSid}
func (h *StreamHandler) HandleAudioStream(w http.ResponseWriter, r *http.Request) {
	callSID := mux.Vars(r)["callSid"]

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Base().Error("audio stream upgrade failed", zap.Error(err))
		return
	}

	hub := h.service.Hub()
	id := hub.AddAudioListener(callSID, conn)
	defer hub.RemoveAudioListener(callSID, id)

	logger.Base().Info("audio listener connected",
		zap.String("call_sid", callSID),
		zap.String("listener_id", id))

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			logger.Base().Info("audio listener disconnected",
				zap.String("call_sid", callSID),
				zap.String("listener_id", id))
			return
		}
	}
}
