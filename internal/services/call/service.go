package call

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/rbarazi/twilio-voice-agent/internal/config"
	"github.com/rbarazi/twilio-voice-agent/internal/core/bridge"
	"github.com/rbarazi/twilio-voice-agent/internal/core/event"
	"github.com/rbarazi/twilio-voice-agent/internal/core/model/provider"
	"github.com/rbarazi/twilio-voice-agent/internal/domain"
	"github.com/rbarazi/twilio-voice-agent/internal/registry"
	"github.com/rbarazi/twilio-voice-agent/pkg/logger"
	twiliopkg "github.com/rbarazi/twilio-voice-agent/pkg/twilio"
	"go.uber.org/zap"
)

// Validation failures surface as typed errors so handlers can map them to
// distinct API error codes.
var (
	ErrMissingFields = errors.New("missing required fields")
	ErrInvalidPhone  = errors.New("invalid phone number format")

	ErrMissingTo   = fmt.Errorf("%w: to", ErrMissingFields)
	ErrMissingTask = fmt.Errorf("%w: task", ErrMissingFields)
)

// E.164, optional leading plus.
var phonePattern = regexp.MustCompile(`^\+?[1-9]\d{1,14}$`)

// PlaceCallRequest is a validated outbound call order.
type PlaceCallRequest struct {
	To          string              `json:"to"`
	Task        domain.OutboundTask `json:"task"`
	AgentConfig *domain.AgentConfig `json:"agentConfig,omitempty"`
	Credentials *domain.Credentials `json:"credentials,omitempty"`
}

// Service coordinates outbound call placement, media stream bridging and the
// periodic reclamation of stale call state.
type Service struct {
	cfg      *config.Config
	registry *registry.CallRegistry
	history  *registry.HistoryStore
	hub      *event.Hub
	calls    twiliopkg.CallAPI
	sessions provider.SessionFactory
}

// NewService wires the service with its collaborators.
func NewService(cfg *config.Config, reg *registry.CallRegistry, history *registry.HistoryStore, hub *event.Hub, calls twiliopkg.CallAPI, sessions provider.SessionFactory) *Service {
	return &Service{
		cfg:      cfg,
		registry: reg,
		history:  history,
		hub:      hub,
		calls:    calls,
		sessions: sessions,
	}
}

// PlaceCall validates the request, creates the carrier call and registers the
// call so the media stream can pick up its task when the stream opens.
func (s *Service) PlaceCall(req *PlaceCallRequest) (*domain.CallRecord, error) {
	if req.To == "" {
		return nil, ErrMissingTo
	}
	if req.Task.Type == "" || req.Task.Prompt == "" || !req.Task.Type.IsValid() {
		return nil, ErrMissingTask
	}
	if !phonePattern.MatchString(req.To) {
		return nil, ErrInvalidPhone
	}

	callSID, err := s.calls.CreateCall(req.To, s.cfg.TwilioPhoneNumber, s.cfg.IncomingCallURL())
	if err != nil {
		return nil, fmt.Errorf("failed to create call: %w", err)
	}

	record := &domain.CallRecord{
		CallSID:     callSID,
		To:          req.To,
		Task:        req.Task,
		AgentConfig: req.AgentConfig,
		Credentials: req.Credentials,
		Status:      domain.CallStatusInitiated,
	}
	s.registry.Put(record)

	logger.Base().Info("outbound call initiated",
		zap.String("call_sid", callSID),
		zap.String("to", req.To),
		zap.String("task_type", string(req.Task.Type)))

	stored, _ := s.registry.Get(callSID)
	return stored, nil
}

// EndCall terminates a live call via the carrier. The media stream teardown
// that follows drives the usual cleanup path.
func (s *Service) EndCall(callSID string) error {
	if _, ok := s.registry.Get(callSID); !ok {
		return fmt.Errorf("call %s not found", callSID)
	}
	if err := s.calls.EndCall(callSID); err != nil {
		return fmt.Errorf("failed to end call %s: %w", callSID, err)
	}
	logger.Base().Info("call terminated via api", zap.String("call_sid", callSID))
	return nil
}

// ActiveCalls lists every call the registry currently tracks.
func (s *Service) ActiveCalls() []*domain.CallRecord {
	return s.registry.List()
}

// Hub exposes the event fan-out for the monitoring endpoints.
func (s *Service) Hub() *event.Hub {
	return s.hub
}

// NewBridge builds a bridge for one accepted media stream connection.
func (s *Service) NewBridge(conn bridge.MediaConn) *bridge.Bridge {
	return bridge.New(conn, bridge.Deps{
		Registry: s.registry,
		History:  s.history,
		Hub:      s.hub,
		Calls:    s.calls,
		Sessions: s.sessions,
	}, bridge.Options{
		OpenAIAPIKey:    s.cfg.OpenAIAPIKey,
		StreamURL:       s.cfg.MediaStreamURL(),
		ReconnectWindow: s.cfg.ReconnectWindow,
		EndCallDelay:    s.cfg.EndCallDelay,
		EndCallFallback: s.cfg.EndCallFallback,
	})
}

// StartCleanupRoutine reclaims state for calls whose conversations went idle
// without a stop frame ever arriving. It runs until the context is cancelled.
func (s *Service) StartCleanupRoutine(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				logger.Base().Info("cleanup routine stopped")
				return
			case <-ticker.C:
				s.reclaimIdle()
			}
		}
	}()
	logger.Base().Info("cleanup routine started",
		zap.Duration("interval", interval),
		zap.Duration("max_idle", s.cfg.HistoryInactivity))
}

func (s *Service) reclaimIdle() {
	purged := s.history.PurgeIdle(s.cfg.HistoryInactivity)
	for _, callSID := range purged {
		s.registry.SetStatus(callSID, domain.CallStatusCompleted)
		s.hub.Publish(event.TypeCallEnded, callSID, map[string]interface{}{})
		s.registry.Remove(callSID)
		logger.Base().Info("reclaimed idle call", zap.String("call_sid", callSID))
	}
}
