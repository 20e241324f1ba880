package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rbarazi/twilio-voice-agent/internal/core/model/provider"
	"github.com/rbarazi/twilio-voice-agent/pkg/logger"
	"go.uber.org/zap"
)

const (
	// DefaultModel is the realtime model used when a call does not override it.
	DefaultModel = "gpt-realtime"

	// Temperature bounds enforced by the realtime API.
	minTemperature     = 0.6
	maxTemperature     = 1.2
	defaultTemperature = 0.8

	// NoiseReductionOff disables input noise reduction when set on a call.
	NoiseReductionOff = "off"

	defaultNoiseReduction = "far_field"
)

// Session is a realtime model session over the OpenAI websocket API. One
// session serves exactly one phone call.
type Session struct {
	params  provider.SessionParams
	baseURL string

	conn    *websocket.Conn
	writeMu sync.Mutex

	handler func(event map[string]interface{})

	stateMu   sync.RWMutex
	connected bool
}

// NewSession creates a session for the given parameters. baseURL is the HTTP
// base of the OpenAI API; it is rewritten to the websocket scheme on dial.
func NewSession(baseURL string, params provider.SessionParams) *Session {
	if params.Model == "" {
		params.Model = DefaultModel
	}
	return &Session{params: params, baseURL: baseURL}
}

// NewSessionFactory returns a provider.SessionFactory bound to a base URL.
func NewSessionFactory(baseURL string) provider.SessionFactory {
	return func(params provider.SessionParams) provider.ModelSession {
		return NewSession(baseURL, params)
	}
}

// SetEventHandler sets the handler invoked for every decoded model event.
func (s *Session) SetEventHandler(handler func(event map[string]interface{})) {
	s.handler = handler
}

// Connect dials the realtime endpoint, sends the session configuration and
// starts the read pump.
func (s *Session) Connect(ctx context.Context) error {
	url := fmt.Sprintf("%s/v1/realtime?model=%s", toWebSocketURL(s.baseURL), s.params.Model)

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+s.params.APIKey)
	headers.Set("OpenAI-Beta", "realtime=v1")

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, headers)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		return fmt.Errorf("failed to dial realtime endpoint (status %d): %w", status, err)
	}

	s.stateMu.Lock()
	s.conn = conn
	s.connected = true
	s.stateMu.Unlock()

	if err := s.SendEvent(map[string]interface{}{
		"type":    "session.update",
		"session": s.buildSessionConfig(),
	}); err != nil {
		s.Close()
		return fmt.Errorf("failed to configure session: %w", err)
	}

	logger.Base().Info("realtime session connected", zap.String("model", s.params.Model))

	go s.readPump()
	return nil
}

// SendEvent sends a protocol event to the model.
func (s *Session) SendEvent(event map[string]interface{}) error {
	s.stateMu.RLock()
	conn := s.conn
	connected := s.connected
	s.stateMu.RUnlock()

	if !connected || conn == nil {
		return fmt.Errorf("session is not connected")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return conn.WriteJSON(event)
}

// Close closes the websocket and marks the session disconnected.
func (s *Session) Close() error {
	s.stateMu.Lock()
	conn := s.conn
	s.conn = nil
	s.connected = false
	s.stateMu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}

// IsConnected returns whether the session is active.
func (s *Session) IsConnected() bool {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.connected
}

// readPump reads model events until the socket closes and dispatches each to
// the handler.
func (s *Session) readPump() {
	for {
		s.stateMu.RLock()
		conn := s.conn
		s.stateMu.RUnlock()
		if conn == nil {
			return
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			s.stateMu.Lock()
			s.connected = false
			s.stateMu.Unlock()
			logger.Base().Info("realtime session closed", zap.Error(err))
			return
		}

		var event map[string]interface{}
		if err := json.Unmarshal(data, &event); err != nil {
			logger.Base().Warn("failed to decode model event", zap.Error(err))
			continue
		}
		if s.handler != nil {
			s.handler(event)
		}
	}
}

// buildSessionConfig assembles the session.update payload. The phone leg is
// always g711_ulaw in both directions with server-side turn detection.
func (s *Session) buildSessionConfig() map[string]interface{} {
	session := map[string]interface{}{
		"modalities":          []string{"text", "audio"},
		"input_audio_format":  "g711_ulaw",
		"output_audio_format": "g711_ulaw",
		"turn_detection": map[string]interface{}{
			"type": "server_vad",
		},
		"input_audio_transcription": map[string]interface{}{
			"model": "whisper-1",
		},
		"instructions": s.params.Instructions,
		"temperature":  clampTemperature(s.params.Temperature),
	}

	if s.params.Voice != "" {
		session["voice"] = s.params.Voice
	}
	if nr := normalizeNoiseReduction(s.params.NoiseReduction); nr != "" {
		session["input_audio_noise_reduction"] = map[string]interface{}{"type": nr}
	}
	if len(s.params.Tools) > 0 {
		session["tools"] = s.params.Tools
		session["tool_choice"] = "auto"
	}

	return session
}

// clampTemperature keeps the temperature within the bounds the realtime API
// accepts, falling back to the default when unset.
func clampTemperature(t *float64) float64 {
	if t == nil {
		return defaultTemperature
	}
	if *t < minTemperature {
		return minTemperature
	}
	if *t > maxTemperature {
		return maxTemperature
	}
	return *t
}

// normalizeNoiseReduction maps the per-call setting to an API value. Empty
// means the default profile; "off" disables it entirely.
func normalizeNoiseReduction(setting string) string {
	switch setting {
	case NoiseReductionOff:
		return ""
	case "":
		return defaultNoiseReduction
	default:
		return setting
	}
}

// toWebSocketURL rewrites an HTTP base URL to its websocket equivalent.
func toWebSocketURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return base
	}
}
