package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/rbarazi/twilio-voice-agent/internal/core/event"
	"github.com/rbarazi/twilio-voice-agent/internal/core/model/provider"
	"github.com/rbarazi/twilio-voice-agent/internal/domain"
	"github.com/rbarazi/twilio-voice-agent/internal/prompts"
	"github.com/rbarazi/twilio-voice-agent/internal/registry"
	"github.com/rbarazi/twilio-voice-agent/pkg/logger"
	twiliopkg "github.com/rbarazi/twilio-voice-agent/pkg/twilio"
	"go.uber.org/zap"
)

// MediaConn is the subset of a websocket connection the bridge uses. The
// gorilla *websocket.Conn satisfies it.
type MediaConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteJSON(v interface{}) error
	Close() error
}

// Deps are the shared collaborators a bridge works against. All of them are
// safe for concurrent use by multiple bridges.
type Deps struct {
	Registry *registry.CallRegistry
	History  *registry.HistoryStore
	Hub      *event.Hub
	Calls    twiliopkg.CallAPI
	Sessions provider.SessionFactory
}

// Options are the per-deployment tunables.
type Options struct {
	OpenAIAPIKey string

	// StreamURL is where a DTMF redirect reconnects the media stream.
	StreamURL string

	// ReconnectWindow is how long after a stop frame cleanup waits for the
	// carrier to reopen the stream (a DTMF redirect does this routinely).
	ReconnectWindow time.Duration

	// EndCallDelay runs after the goodbye transcript so trailing audio
	// finishes playing before the line drops.
	EndCallDelay time.Duration

	// EndCallFallback forces termination when no transcript event ever
	// follows an end-call request.
	EndCallFallback time.Duration
}

type pendingEndCall struct {
	reason string
	seq    int
}

// Bridge multiplexes one Twilio media stream connection with one realtime
// model session. It owns no state beyond the call it serves; cross-call state
// lives in the registry, history store and hub.
type Bridge struct {
	deps Deps
	opts Options

	conn    MediaConn
	writeMu sync.Mutex

	mu        sync.Mutex
	callSID   string
	streamSID string
	session   provider.ModelSession
	started   bool
	sawStop   bool
	closed    bool

	// Interruption tracking. responseStartMs is -1 while no assistant
	// response is playing.
	latestMediaMs   int64
	responseStartMs int64
	activeItemID    string

	// Maps realtime call_id to tool name, filled from item-created events.
	functionNames map[string]string

	pendingEnd    *pendingEndCall
	endSeq        int
	endTimer      *time.Timer
	fallbackTimer *time.Timer
}

// New creates a bridge for one accepted media connection.
func New(conn MediaConn, deps Deps, opts Options) *Bridge {
	return &Bridge{
		conn:            conn,
		deps:            deps,
		opts:            opts,
		responseStartMs: -1,
		functionNames:   make(map[string]string),
	}
}

// Run reads carrier frames until the stream stops or the connection errors.
// It blocks; the caller owns the goroutine.
func (b *Bridge) Run(ctx context.Context) {
	defer b.finish()

	for {
		_, data, err := b.conn.ReadMessage()
		if err != nil {
			b.mu.Lock()
			callSID := b.callSID
			b.mu.Unlock()
			logger.Base().Info("media connection closed",
				zap.String("call_sid", callSID),
				zap.Error(err))
			return
		}

		var frame twilioFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			logger.Base().Warn("unparseable media frame", zap.Error(err))
			continue
		}

		switch frame.Event {
		case "connected":
			// Protocol preamble, nothing to do.
		case "start":
			if err := b.handleStart(ctx, &frame); err != nil {
				logger.Base().Error("rejecting media connection", zap.Error(err))
				return
			}
		case "media":
			if !b.isStarted() {
				logger.Base().Error("media frame before start, dropping connection")
				return
			}
			b.handleMedia(&frame)
		case "dtmf":
			if frame.DTMF != nil {
				logger.Base().Info("caller pressed key",
					zap.String("call_sid", b.currentCallSID()),
					zap.String("digit", frame.DTMF.Digit))
			}
		case "mark":
			// Playback marks are not used.
		case "stop":
			b.mu.Lock()
			b.sawStop = true
			callSID := b.callSID
			b.mu.Unlock()
			logger.Base().Info("media stream stopped", zap.String("call_sid", callSID))
			return
		default:
			logger.Base().Debug("ignoring media frame", zap.String("event", frame.Event))
		}
	}
}

// handleStart identifies the call, builds the model session and moves the
// call to in-progress. A session construction failure leaves the connection
// without a session rather than dropping it; the call runs out on the
// carrier's own timeout.
func (b *Bridge) handleStart(ctx context.Context, frame *twilioFrame) error {
	if frame.Start == nil || frame.Start.CallSID == "" {
		return errors.New("start frame missing call sid")
	}

	callSID := frame.Start.CallSID
	b.mu.Lock()
	b.callSID = callSID
	b.streamSID = frame.Start.StreamSID
	b.started = true
	b.mu.Unlock()

	logger.Base().Info("media stream started",
		zap.String("call_sid", callSID),
		zap.String("stream_sid", frame.Start.StreamSID))

	record, exists := b.deps.Registry.Get(callSID)
	if !exists {
		record = &domain.CallRecord{
			CallSID: callSID,
			Task:    prompts.InboundTask(),
			Status:  domain.CallStatusInitiated,
			Inbound: true,
		}
		b.deps.Registry.Put(record)
	}

	// Mark the record live immediately. A previous stream for this call may
	// have a cleanup pending; its staleness check must see this reconnect
	// even when no transcript was ever recorded.
	b.deps.Registry.Touch(callSID)

	reconnecting := b.deps.History.NonEmpty(callSID)
	instructions := prompts.BuildInstructions(record.Task)
	if reconnecting {
		instructions = prompts.ReconnectionInstructions(record.Task, b.deps.History.Get(callSID))
		if record.Task.Context == nil {
			record.Task.Context = map[string]interface{}{}
		}
		record.Task.Context["reconnection"] = true
		b.deps.Registry.Put(record)
		b.deps.History.Touch(callSID)
		logger.Base().Info("resuming conversation after reconnect",
			zap.String("call_sid", callSID))
	}

	params := provider.SessionParams{
		APIKey:       b.opts.OpenAIAPIKey,
		Voice:        prompts.DefaultVoice(record.Task.Type),
		Instructions: instructions,
		Tools:        prompts.ToolDefinitions(),
	}
	if record.Credentials != nil && record.Credentials.OpenAIAPIKey != "" {
		params.APIKey = record.Credentials.OpenAIAPIKey
	}
	if ac := record.AgentConfig; ac != nil {
		if ac.Voice != "" {
			params.Voice = ac.Voice
		}
		params.Temperature = ac.Temperature
		params.NoiseReduction = ac.NoiseReduction
		params.Model = ac.Model
	}

	session := b.deps.Sessions(params)
	session.SetEventHandler(b.handleModelEvent)
	if err := session.Connect(ctx); err != nil {
		logger.Base().Error("failed to connect model session, call continues without one",
			zap.String("call_sid", callSID),
			zap.Error(err))
		return nil
	}

	b.mu.Lock()
	b.session = session
	b.mu.Unlock()

	// The agent speaks first on both inbound and outbound calls.
	if err := session.SendEvent(map[string]interface{}{"type": "response.create"}); err != nil {
		logger.Base().Warn("failed to trigger opening response",
			zap.String("call_sid", callSID),
			zap.Error(err))
	}

	b.deps.Registry.SetStatus(callSID, domain.CallStatusInProgress)
	b.deps.Hub.Publish(event.TypeCallStarted, callSID, map[string]interface{}{
		"streamSid":    frame.Start.StreamSID,
		"reconnection": reconnecting,
	})
	return nil
}

// handleMedia forwards caller audio to the model and, when anyone is
// listening, to the audio fan-out. Timestamps drive interruption math.
func (b *Bridge) handleMedia(frame *twilioFrame) {
	if frame.Media == nil {
		return
	}

	b.mu.Lock()
	if ts, err := strconv.ParseInt(frame.Media.Timestamp, 10, 64); err == nil {
		b.latestMediaMs = ts
	}
	session := b.session
	callSID := b.callSID
	b.mu.Unlock()

	if session != nil && session.IsConnected() {
		if err := session.SendEvent(map[string]interface{}{
			"type":  "input_audio_buffer.append",
			"audio": frame.Media.Payload,
		}); err != nil {
			logger.Base().Warn("failed to forward caller audio",
				zap.String("call_sid", callSID),
				zap.Error(err))
		}
	}

	if b.deps.Hub.HasAudioListeners(callSID) {
		b.deps.Hub.PublishAudio(callSID, frame.Media.Payload)
	}
}

// finish tears down this bridge's session. A graceful stop schedules the
// windowed cleanup; an abrupt close leaves registry and history for a
// possible reconnect, deferring to the idle sweeper.
func (b *Bridge) finish() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	session := b.session
	b.session = nil
	callSID := b.callSID
	sawStop := b.sawStop
	b.pendingEnd = nil
	if b.endTimer != nil {
		b.endTimer.Stop()
		b.endTimer = nil
	}
	if b.fallbackTimer != nil {
		b.fallbackTimer.Stop()
		b.fallbackTimer = nil
	}
	b.mu.Unlock()

	if session != nil {
		_ = session.Close()
	}
	_ = b.conn.Close()

	if callSID == "" {
		return
	}
	if !sawStop {
		logger.Base().Info("connection dropped without stop, keeping call state for reconnect",
			zap.String("call_sid", callSID))
		return
	}

	stopTime := time.Now()
	time.AfterFunc(b.opts.ReconnectWindow, func() {
		b.cleanupAfterStop(callSID, stopTime)
	})
}

// cleanupAfterStop runs one reconnect window after a stop frame. History or
// registry activity since the stop means a new bridge owns the call now.
func (b *Bridge) cleanupAfterStop(callSID string, stopTime time.Time) {
	if b.deps.History.LastUpdatedAt(callSID).After(stopTime) {
		logger.Base().Info("call reconnected within window, skipping cleanup",
			zap.String("call_sid", callSID))
		return
	}
	if record, ok := b.deps.Registry.Get(callSID); ok && record.UpdatedAt.After(stopTime) {
		logger.Base().Info("call reconnected within window, skipping cleanup",
			zap.String("call_sid", callSID))
		return
	}

	b.deps.Registry.SetStatus(callSID, domain.CallStatusCompleted)
	b.deps.Hub.Publish(event.TypeCallEnded, callSID, map[string]interface{}{})
	b.deps.Registry.Remove(callSID)
	b.deps.History.Purge(callSID)
	logger.Base().Info("call cleaned up", zap.String("call_sid", callSID))
}

func (b *Bridge) writeFrame(v interface{}) error {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	return b.conn.WriteJSON(v)
}

func (b *Bridge) isStarted() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.started
}

func (b *Bridge) currentCallSID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.callSID
}
