package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rbarazi/twilio-voice-agent/internal/core/event"
	"github.com/rbarazi/twilio-voice-agent/internal/core/model/provider"
	"github.com/rbarazi/twilio-voice-agent/internal/domain"
	"github.com/rbarazi/twilio-voice-agent/internal/registry"
)

type fakeMediaConn struct {
	frames chan []byte

	mu      sync.Mutex
	written []interface{}
	closed  bool
}

func newFakeMediaConn() *fakeMediaConn {
	return &fakeMediaConn{frames: make(chan []byte, 16)}
}

func (c *fakeMediaConn) ReadMessage() (int, []byte, error) {
	data, ok := <-c.frames
	if !ok {
		return 0, nil, errors.New("connection closed")
	}
	return 1, data, nil
}

func (c *fakeMediaConn) WriteJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, v)
	return nil
}

func (c *fakeMediaConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeMediaConn) push(t *testing.T, frame interface{}) {
	t.Helper()
	data, err := json.Marshal(frame)
	require.NoError(t, err)
	c.frames <- data
}

func (c *fakeMediaConn) writtenFrames() []interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]interface{}, len(c.written))
	copy(out, c.written)
	return out
}

type fakeSession struct {
	mu         sync.Mutex
	connected  bool
	connectErr error
	closed     bool
	handler    func(map[string]interface{})
	sent       []map[string]interface{}
}

func (s *fakeSession) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connectErr != nil {
		return s.connectErr
	}
	s.connected = true
	return nil
}

func (s *fakeSession) SendEvent(evt map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return errors.New("not connected")
	}
	s.sent = append(s.sent, evt)
	return nil
}

func (s *fakeSession) SetEventHandler(handler func(map[string]interface{})) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = handler
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
	s.closed = true
	return nil
}

func (s *fakeSession) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *fakeSession) emit(evt map[string]interface{}) {
	s.mu.Lock()
	handler := s.handler
	s.mu.Unlock()
	handler(evt)
}

func (s *fakeSession) sentEvents() []map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]map[string]interface{}, len(s.sent))
	copy(out, s.sent)
	return out
}

func (s *fakeSession) sentOfType(eventType string) []map[string]interface{} {
	var out []map[string]interface{}
	for _, evt := range s.sentEvents() {
		if evt["type"] == eventType {
			out = append(out, evt)
		}
	}
	return out
}

type dtmfRequest struct {
	callSID   string
	digits    string
	streamURL string
}

type fakeCallAPI struct {
	mu    sync.Mutex
	ended []string
	dtmf  []dtmfRequest
}

func (f *fakeCallAPI) CreateCall(to, from, callbackURL string) (string, error) {
	return "CA-created", nil
}

func (f *fakeCallAPI) EndCall(callSID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ended = append(f.ended, callSID)
	return nil
}

func (f *fakeCallAPI) PlayDTMF(callSID, digits, streamURL string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dtmf = append(f.dtmf, dtmfRequest{callSID: callSID, digits: digits, streamURL: streamURL})
	return nil
}

func (f *fakeCallAPI) endedCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.ended))
	copy(out, f.ended)
	return out
}

func (f *fakeCallAPI) dtmfRequests() []dtmfRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]dtmfRequest, len(f.dtmf))
	copy(out, f.dtmf)
	return out
}

type testBridge struct {
	bridge   *Bridge
	conn     *fakeMediaConn
	session  *fakeSession
	calls    *fakeCallAPI
	registry *registry.CallRegistry
	history  *registry.HistoryStore
	done     chan struct{}

	mu         sync.Mutex
	lastParams provider.SessionParams
}

func newTestBridge(t *testing.T, opts Options) *testBridge {
	t.Helper()

	tb := &testBridge{
		conn:     newFakeMediaConn(),
		session:  &fakeSession{},
		calls:    &fakeCallAPI{},
		registry: registry.NewCallRegistry(),
		history:  registry.NewHistoryStore(),
		done:     make(chan struct{}),
	}
	deps := Deps{
		Registry: tb.registry,
		History:  tb.history,
		Hub:      event.NewHub(),
		Calls:    tb.calls,
		Sessions: func(params provider.SessionParams) provider.ModelSession {
			tb.mu.Lock()
			tb.lastParams = params
			tb.mu.Unlock()
			return tb.session
		},
	}
	if opts.ReconnectWindow == 0 {
		opts.ReconnectWindow = time.Hour
	}
	if opts.EndCallDelay == 0 {
		opts.EndCallDelay = 10 * time.Millisecond
	}
	if opts.EndCallFallback == 0 {
		opts.EndCallFallback = time.Hour
	}
	tb.bridge = New(tb.conn, deps, opts)

	go func() {
		defer close(tb.done)
		tb.bridge.Run(context.Background())
	}()
	return tb
}

func (tb *testBridge) sessionParams() provider.SessionParams {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.lastParams
}

func (tb *testBridge) start(t *testing.T, callSID string) {
	t.Helper()
	tb.conn.push(t, map[string]interface{}{"event": "connected"})
	tb.conn.push(t, map[string]interface{}{
		"event": "start",
		"start": map[string]interface{}{"callSid": callSID, "streamSid": "MZ123"},
	})
	require.Eventually(t, tb.session.IsConnected, time.Second, 5*time.Millisecond)
}

func (tb *testBridge) media(t *testing.T, timestamp, payload string) {
	t.Helper()
	tb.conn.push(t, map[string]interface{}{
		"event": "media",
		"media": map[string]interface{}{"track": "inbound", "payload": payload, "timestamp": timestamp},
	})
}

func (tb *testBridge) stopAndWait(t *testing.T) {
	t.Helper()
	tb.conn.push(t, map[string]interface{}{"event": "stop"})
	select {
	case <-tb.done:
	case <-time.After(time.Second):
		t.Fatal("bridge did not finish after stop frame")
	}
}

func (tb *testBridge) closeAndWait(t *testing.T) {
	t.Helper()
	close(tb.conn.frames)
	select {
	case <-tb.done:
	case <-time.After(time.Second):
		t.Fatal("bridge did not finish after connection close")
	}
}

func TestBridgeStartMovesCallInProgress(t *testing.T) {
	tb := newTestBridge(t, Options{OpenAIAPIKey: "sk-test"})
	tb.registry.Put(&domain.CallRecord{
		CallSID: "CA1",
		To:      "+15551234567",
		Task:    domain.OutboundTask{Type: domain.TaskNotification, Prompt: "Tell them the shipment arrived"},
		Status:  domain.CallStatusInitiated,
	})

	tb.start(t, "CA1")

	record, ok := tb.registry.Get("CA1")
	require.True(t, ok)
	assert.Equal(t, domain.CallStatusInProgress, record.Status)

	// The agent speaks first.
	assert.Len(t, tb.session.sentOfType("response.create"), 1)

	params := tb.sessionParams()
	assert.Equal(t, "sk-test", params.APIKey)
	assert.Contains(t, params.Instructions, "Tell them the shipment arrived")
	assert.NotEmpty(t, params.Tools)

	tb.closeAndWait(t)
}

func TestBridgeUnknownCallGetsInboundRecord(t *testing.T) {
	tb := newTestBridge(t, Options{})

	tb.start(t, "CA-inbound")

	record, ok := tb.registry.Get("CA-inbound")
	require.True(t, ok)
	assert.True(t, record.Inbound)
	assert.Equal(t, domain.TaskCustom, record.Task.Type)

	tb.closeAndWait(t)
}

func TestBridgeMediaBeforeStartDropsConnection(t *testing.T) {
	tb := newTestBridge(t, Options{})

	tb.media(t, "100", "AAAA")

	select {
	case <-tb.done:
	case <-time.After(time.Second):
		t.Fatal("bridge kept running after premature media frame")
	}
}

func TestBridgeForwardsCallerAudio(t *testing.T) {
	tb := newTestBridge(t, Options{})
	tb.start(t, "CA1")

	tb.media(t, "250", "ZmFrZS1hdWRpbw==")
	require.Eventually(t, func() bool {
		return len(tb.session.sentOfType("input_audio_buffer.append")) == 1
	}, time.Second, 5*time.Millisecond)

	appended := tb.session.sentOfType("input_audio_buffer.append")[0]
	assert.Equal(t, "ZmFrZS1hdWRpbw==", appended["audio"])

	tb.bridge.mu.Lock()
	assert.Equal(t, int64(250), tb.bridge.latestMediaMs)
	tb.bridge.mu.Unlock()

	tb.closeAndWait(t)
}

func TestBridgeBargeInTruncatesAndClears(t *testing.T) {
	tb := newTestBridge(t, Options{})
	tb.start(t, "CA1")

	tb.media(t, "1000", "AAAA")
	require.Eventually(t, func() bool {
		return len(tb.session.sentOfType("input_audio_buffer.append")) == 1
	}, time.Second, 5*time.Millisecond)

	tb.session.emit(map[string]interface{}{
		"type":    "response.audio.delta",
		"item_id": "item_1",
		"delta":   "c3ludGg=",
	})

	tb.media(t, "1600", "AAAA")
	require.Eventually(t, func() bool {
		return len(tb.session.sentOfType("input_audio_buffer.append")) == 2
	}, time.Second, 5*time.Millisecond)

	tb.session.emit(map[string]interface{}{"type": "input_audio_buffer.speech_started"})

	truncates := tb.session.sentOfType("conversation.item.truncate")
	require.Len(t, truncates, 1)
	assert.Equal(t, "item_1", truncates[0]["item_id"])
	assert.Equal(t, int64(600), truncates[0]["audio_end_ms"])
	assert.Len(t, tb.session.sentOfType("response.cancel"), 1)

	var cleared bool
	for _, frame := range tb.conn.writtenFrames() {
		if cf, ok := frame.(*clearFrame); ok {
			cleared = true
			assert.Equal(t, "MZ123", cf.StreamSID)
		}
	}
	assert.True(t, cleared, "expected a clear frame on the media connection")

	tb.closeAndWait(t)
}

func TestBridgeSpeechStartedWithoutResponseIsNoop(t *testing.T) {
	tb := newTestBridge(t, Options{})
	tb.start(t, "CA1")

	tb.session.emit(map[string]interface{}{"type": "input_audio_buffer.speech_started"})

	assert.Empty(t, tb.session.sentOfType("conversation.item.truncate"))
	assert.Empty(t, tb.session.sentOfType("response.cancel"))

	tb.closeAndWait(t)
}

func TestBridgeAudioDeltaReachesCaller(t *testing.T) {
	tb := newTestBridge(t, Options{})
	tb.start(t, "CA1")

	tb.session.emit(map[string]interface{}{
		"type":    "response.audio.delta",
		"item_id": "item_1",
		"delta":   "c3ludGg=",
	})

	var found bool
	for _, frame := range tb.conn.writtenFrames() {
		if mf, ok := frame.(*outboundMediaFrame); ok {
			found = true
			assert.Equal(t, "media", mf.Event)
			assert.Equal(t, "MZ123", mf.StreamSID)
			require.NotNil(t, mf.Media)
			assert.Equal(t, "c3ludGg=", mf.Media.Payload)
		}
	}
	assert.True(t, found, "expected assistant audio on the media connection")

	tb.closeAndWait(t)
}

func TestBridgeTranscriptsRecordedInHistory(t *testing.T) {
	tb := newTestBridge(t, Options{})
	tb.start(t, "CA1")

	tb.session.emit(map[string]interface{}{
		"type":       "response.audio_transcript.done",
		"transcript": "Hello, this is a reminder about your appointment.",
	})
	tb.session.emit(map[string]interface{}{
		"type":       "conversation.item.input_audio_transcription.completed",
		"transcript": "Thanks, I will be there.",
	})

	messages := tb.history.Get("CA1")
	require.Len(t, messages, 2)
	assert.Equal(t, domain.RoleAssistant, messages[0].Role)
	assert.Equal(t, domain.RoleUser, messages[1].Role)
	assert.Equal(t, "Thanks, I will be there.", messages[1].Text)

	tb.closeAndWait(t)
}

func TestBridgeDTMFToolRedirectsCall(t *testing.T) {
	tb := newTestBridge(t, Options{StreamURL: "wss://voice.example.com/twilio/media-stream"})
	tb.start(t, "CA1")

	tb.session.emit(map[string]interface{}{
		"type": "conversation.item.created",
		"item": map[string]interface{}{
			"type":    "function_call",
			"call_id": "fc_1",
			"name":    "send_dtmf",
		},
	})
	tb.session.emit(map[string]interface{}{
		"type":      "response.function_call_arguments.done",
		"call_id":   "fc_1",
		"arguments": `{"digits":"1","reason":"select English"}`,
	})

	requests := tb.calls.dtmfRequests()
	require.Len(t, requests, 1)
	assert.Equal(t, "CA1", requests[0].callSID)
	assert.Equal(t, "1", requests[0].digits)
	assert.Equal(t, "wss://voice.example.com/twilio/media-stream", requests[0].streamURL)

	// Sending tones must never queue a hangup.
	tb.bridge.mu.Lock()
	assert.Nil(t, tb.bridge.pendingEnd)
	tb.bridge.mu.Unlock()

	tb.closeAndWait(t)
}

func TestBridgeEndCallWaitsForGoodbye(t *testing.T) {
	tb := newTestBridge(t, Options{
		EndCallDelay:    10 * time.Millisecond,
		EndCallFallback: time.Hour,
	})
	tb.start(t, "CA1")

	tb.session.emit(map[string]interface{}{
		"type": "conversation.item.created",
		"item": map[string]interface{}{
			"type":    "function_call",
			"call_id": "fc_1",
			"name":    "end_call",
		},
	})
	tb.session.emit(map[string]interface{}{
		"type":      "response.function_call_arguments.done",
		"call_id":   "fc_1",
		"arguments": `{"reason":"caller confirmed"}`,
	})

	// Hangup waits for the goodbye transcript.
	assert.Empty(t, tb.calls.endedCalls())

	tb.session.emit(map[string]interface{}{
		"type":       "response.audio_transcript.done",
		"transcript": "Goodbye!",
	})

	require.Eventually(t, func() bool {
		return len(tb.calls.endedCalls()) == 1
	}, time.Second, 5*time.Millisecond)

	// A later transcript must not terminate again.
	tb.session.emit(map[string]interface{}{
		"type":       "response.audio_transcript.done",
		"transcript": "Anything else?",
	})
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, tb.calls.endedCalls(), 1)

	tb.closeAndWait(t)
}

func TestBridgeEndCallFallbackFiresWithoutTranscript(t *testing.T) {
	tb := newTestBridge(t, Options{
		EndCallDelay:    time.Hour,
		EndCallFallback: 20 * time.Millisecond,
	})
	tb.start(t, "CA1")

	tb.session.emit(map[string]interface{}{
		"type": "conversation.item.created",
		"item": map[string]interface{}{
			"type":    "function_call",
			"call_id": "fc_1",
			"name":    "end_call",
		},
	})
	tb.session.emit(map[string]interface{}{
		"type":      "response.function_call_arguments.done",
		"call_id":   "fc_1",
		"arguments": `{"reason":"no response"}`,
	})

	require.Eventually(t, func() bool {
		return len(tb.calls.endedCalls()) == 1
	}, time.Second, 5*time.Millisecond)

	tb.closeAndWait(t)
}

func TestBridgeStopCleansUpAfterWindow(t *testing.T) {
	tb := newTestBridge(t, Options{ReconnectWindow: 20 * time.Millisecond})
	tb.registry.Put(&domain.CallRecord{
		CallSID: "CA1",
		Task:    domain.OutboundTask{Type: domain.TaskCustom, Prompt: "chat"},
		Status:  domain.CallStatusInitiated,
	})
	tb.start(t, "CA1")

	tb.session.emit(map[string]interface{}{
		"type":       "response.audio_transcript.done",
		"transcript": "Hello there.",
	})

	tb.stopAndWait(t)

	require.Eventually(t, func() bool {
		_, ok := tb.registry.Get("CA1")
		return !ok
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, tb.history.Get("CA1"))
}

func TestBridgeReconnectWithinWindowSkipsCleanup(t *testing.T) {
	tb := newTestBridge(t, Options{ReconnectWindow: 40 * time.Millisecond})
	tb.registry.Put(&domain.CallRecord{
		CallSID: "CA1",
		Task:    domain.OutboundTask{Type: domain.TaskCustom, Prompt: "chat"},
		Status:  domain.CallStatusInitiated,
	})
	tb.start(t, "CA1")

	tb.session.emit(map[string]interface{}{
		"type":       "response.audio_transcript.done",
		"transcript": "Please hold while I send that.",
	})

	tb.stopAndWait(t)

	// A reconnecting bridge touches history inside the window.
	tb.history.Touch("CA1")

	time.Sleep(80 * time.Millisecond)
	_, ok := tb.registry.Get("CA1")
	assert.True(t, ok, "call state must survive a reconnect within the window")
	assert.NotEmpty(t, tb.history.Get("CA1"))
}

func TestBridgeReconnectBeforeFirstTranscriptSkipsCleanup(t *testing.T) {
	tb := newTestBridge(t, Options{ReconnectWindow: 40 * time.Millisecond})
	tb.registry.Put(&domain.CallRecord{
		CallSID: "CA1",
		Task:    domain.OutboundTask{Type: domain.TaskCustom, Prompt: "chat"},
		Status:  domain.CallStatusInitiated,
	})
	tb.start(t, "CA1")

	// Stream closes before any transcript landed, as a tone redirect does.
	tb.stopAndWait(t)

	// The carrier reopens the stream for the same call inside the window.
	conn2 := newFakeMediaConn()
	session2 := &fakeSession{}
	bridge2 := New(conn2, Deps{
		Registry: tb.registry,
		History:  tb.history,
		Hub:      event.NewHub(),
		Calls:    tb.calls,
		Sessions: func(params provider.SessionParams) provider.ModelSession {
			return session2
		},
	}, Options{
		ReconnectWindow: time.Hour,
		EndCallDelay:    10 * time.Millisecond,
		EndCallFallback: time.Hour,
	})
	done2 := make(chan struct{})
	go func() {
		defer close(done2)
		bridge2.Run(context.Background())
	}()
	conn2.push(t, map[string]interface{}{"event": "connected"})
	conn2.push(t, map[string]interface{}{
		"event": "start",
		"start": map[string]interface{}{"callSid": "CA1", "streamSid": "MZ456"},
	})
	require.Eventually(t, session2.IsConnected, time.Second, 5*time.Millisecond)

	// Let the first bridge's cleanup window expire.
	time.Sleep(80 * time.Millisecond)
	record, ok := tb.registry.Get("CA1")
	require.True(t, ok, "registry entry of the live reconnected call must survive the old stream's cleanup")
	assert.Equal(t, domain.CallStatusInProgress, record.Status)

	close(conn2.frames)
	select {
	case <-done2:
	case <-time.After(time.Second):
		t.Fatal("second bridge did not finish")
	}
}

func TestBridgeAbruptCloseKeepsState(t *testing.T) {
	tb := newTestBridge(t, Options{ReconnectWindow: 10 * time.Millisecond})
	tb.registry.Put(&domain.CallRecord{
		CallSID: "CA1",
		Task:    domain.OutboundTask{Type: domain.TaskCustom, Prompt: "chat"},
		Status:  domain.CallStatusInitiated,
	})
	tb.start(t, "CA1")

	tb.session.emit(map[string]interface{}{
		"type":       "response.audio_transcript.done",
		"transcript": "One moment.",
	})

	tb.closeAndWait(t)

	time.Sleep(40 * time.Millisecond)
	_, ok := tb.registry.Get("CA1")
	assert.True(t, ok, "abrupt close must not schedule cleanup")
	assert.NotEmpty(t, tb.history.Get("CA1"))
	assert.True(t, tb.session.closed)
}

func TestBridgeReconnectUsesConversationSoFar(t *testing.T) {
	tb := newTestBridge(t, Options{})
	tb.registry.Put(&domain.CallRecord{
		CallSID: "CA1",
		Task:    domain.OutboundTask{Type: domain.TaskSurvey, Prompt: "Ask about service quality"},
		Status:  domain.CallStatusInProgress,
	})
	tb.history.Append("CA1", domain.RoleAssistant, "How would you rate our service?")
	tb.history.Append("CA1", domain.RoleUser, "Pretty good so far.")

	tb.start(t, "CA1")

	params := tb.sessionParams()
	assert.Contains(t, params.Instructions, "Pretty good so far.")
	assert.Contains(t, params.Instructions, "Do NOT greet the person again")

	record, ok := tb.registry.Get("CA1")
	require.True(t, ok)
	assert.Equal(t, true, record.Task.Context["reconnection"])

	tb.closeAndWait(t)
}
