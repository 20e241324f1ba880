package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rbarazi/twilio-voice-agent/internal/config"
	"github.com/rbarazi/twilio-voice-agent/internal/services/call"
	"github.com/rbarazi/twilio-voice-agent/pkg/logger"
	twiliopkg "github.com/rbarazi/twilio-voice-agent/pkg/twilio"
	"go.uber.org/zap"
)

// Machine-readable API error codes.
const (
	codeValidationError = "VALIDATION_ERROR"
	codeInvalidPhone    = "INVALID_PHONE"
	codeCallFailed      = "CALL_FAILED"
)

// TwilioHandler serves the call control API and the carrier webhooks.
type TwilioHandler struct {
	cfg     *config.Config
	service *call.Service
}

// NewTwilioHandler creates a new Twilio handler
func NewTwilioHandler(cfg *config.Config, service *call.Service) *TwilioHandler {
	return &TwilioHandler{cfg: cfg, service: service}
}

type outboundCallResponse struct {
	Success           bool   `json:"success"`
	CallSID           string `json:"callSid"`
	Status            string `json:"status"`
	EstimatedDuration string `json:"estimatedDuration"`
}

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Code    string `json:"code"`
}

// HandleOutboundCall places an AI-driven outbound call.
// POST /twilio/outbound-call
func (h *TwilioHandler) HandleOutboundCall(w http.ResponseWriter, r *http.Request) {
	var req call.PlaceCallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body", codeValidationError)
		return
	}

	record, err := h.service.PlaceCall(&req)
	if err != nil {
		switch {
		case errors.Is(err, call.ErrMissingTo):
			writeError(w, http.StatusBadRequest, "Missing required field: to", codeValidationError)
		case errors.Is(err, call.ErrMissingTask):
			writeError(w, http.StatusBadRequest, "Missing required field: task (must include type and prompt)", codeValidationError)
		case errors.Is(err, call.ErrInvalidPhone):
			writeError(w, http.StatusBadRequest, "Invalid phone number format", codeInvalidPhone)
		default:
			logger.Base().Error("outbound call failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "Failed to initiate call", codeCallFailed)
		}
		return
	}

	writeJSON(w, http.StatusOK, &outboundCallResponse{
		Success:           true,
		CallSID:           record.CallSID,
		Status:            string(record.Status),
		EstimatedDuration: "60-120 seconds",
	})
}

// HandleIncomingCall answers the carrier's call webhook with TwiML that
// connects the media stream. Both freshly answered outbound calls and true
// inbound calls land here.
// GET/POST /twilio/incoming-call
func (h *TwilioHandler) HandleIncomingCall(w http.ResponseWriter, r *http.Request) {
	twiml := twiliopkg.StreamTwiML(h.cfg.MediaStreamURL())

	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(twiml))
}

// HandleEndCall terminates a live call.
// POST /twilio/end-call/{callSid}
func (h *TwilioHandler) HandleEndCall(w http.ResponseWriter, r *http.Request) {
	callSID := mux.Vars(r)["callSid"]

	if err := h.service.EndCall(callSID); err != nil {
		logger.Base().Warn("end call request failed",
			zap.String("call_sid", callSID),
			zap.Error(err))
		writeError(w, http.StatusNotFound, "Call not found or already ended", codeCallFailed)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"callSid": callSID,
	})
}

// HandleListCalls lists every tracked call.
// GET /twilio/calls
func (h *TwilioHandler) HandleListCalls(w http.ResponseWriter, r *http.Request) {
	records := h.service.ActiveCalls()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count": len(records),
		"calls": records,
	})
}

// HandleHealth reports service liveness.
// GET /health
func (h *TwilioHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "ok",
		"activeCalls": len(h.service.ActiveCalls()),
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Base().Error("failed to encode response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, message, code string) {
	writeJSON(w, status, &errorResponse{Success: false, Error: message, Code: code})
}
