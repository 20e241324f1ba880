package handler

import (
	"context"
	"time"

	"github.com/gorilla/mux"
	"github.com/rbarazi/twilio-voice-agent/internal/config"
	"github.com/rbarazi/twilio-voice-agent/internal/core/event"
	"github.com/rbarazi/twilio-voice-agent/internal/core/model/openai"
	"github.com/rbarazi/twilio-voice-agent/internal/registry"
	"github.com/rbarazi/twilio-voice-agent/internal/services/call"
	"github.com/rbarazi/twilio-voice-agent/pkg/logger"
	twiliopkg "github.com/rbarazi/twilio-voice-agent/pkg/twilio"
	"golang.org/x/time/rate"
)

// HandlerManager manages all handlers and their initialization
type HandlerManager struct {
	cfg     *config.Config
	service *call.Service
}

// NewHandlerManager creates and initializes all handlers and services
func NewHandlerManager(cfg *config.Config) *HandlerManager {
	callControl := twiliopkg.NewCallControl(cfg.TwilioAccountSID, cfg.TwilioAuthToken)
	sessions := openai.NewSessionFactory(cfg.OpenAIBaseURL)

	service := call.NewService(
		cfg,
		registry.NewCallRegistry(),
		registry.NewHistoryStore(),
		event.NewHub(),
		callControl,
		sessions,
	)

	// Reclaims call state abandoned without a stop frame.
	service.StartCleanupRoutine(context.Background(), 30*time.Second)

	return &HandlerManager{cfg: cfg, service: service}
}

// Service exposes the call service, mainly for tests.
func (hm *HandlerManager) Service() *call.Service {
	return hm.service
}

// SetupAllRoutes sets up all routes with middleware
func (hm *HandlerManager) SetupAllRoutes(router *mux.Router) {
	if hm.cfg.EnableCORS {
		router.Use(CORSMiddleware)
	}
	router.Use(LoggingMiddleware)

	twilioHandler := NewTwilioHandler(hm.cfg, hm.service)
	streamHandler := NewStreamHandler(hm.service)

	router.HandleFunc("/health", twilioHandler.HandleHealth).Methods("GET")

	// Call control API.
	apiRouter := router.PathPrefix("/twilio").Subrouter()
	apiRouter.Use(ValidationMiddleware)
	apiRouter.Use(RateLimitMiddleware(rate.Limit(5), 10))
	apiRouter.HandleFunc("/outbound-call", twilioHandler.HandleOutboundCall).Methods("POST")
	apiRouter.HandleFunc("/end-call/{callSid}", twilioHandler.HandleEndCall).Methods("POST")
	apiRouter.HandleFunc("/calls", twilioHandler.HandleListCalls).Methods("GET")

	// Carrier webhook and media stream. Twilio cannot present an API key.
	router.HandleFunc("/twilio/incoming-call", twilioHandler.HandleIncomingCall).Methods("GET", "POST")
	router.HandleFunc("/twilio/media-stream", streamHandler.HandleMediaStream)

	// Monitoring websockets, behind auth when a secret is configured.
	monitorRouter := router.PathPrefix("/twilio").Subrouter()
	monitorRouter.Use(AuthMiddleware(hm.cfg.EventsAuthSecret))
	monitorRouter.HandleFunc("/events", streamHandler.HandleEvents)
	monitorRouter.HandleFunc("/audio-stream/{callSid}", streamHandler.HandleAudioStream)

	logger.Base().Info("all application routes registered")
}
