package bridge

import (
	"encoding/json"
	"time"

	"github.com/rbarazi/twilio-voice-agent/internal/core/event"
	"github.com/rbarazi/twilio-voice-agent/internal/domain"
	"github.com/rbarazi/twilio-voice-agent/internal/prompts"
	"github.com/rbarazi/twilio-voice-agent/pkg/logger"
	"go.uber.org/zap"
)

// handleModelEvent classifies every event the model session emits. It runs on
// the session's read goroutine.
func (b *Bridge) handleModelEvent(evt map[string]interface{}) {
	switch getString(evt, "type") {
	case "input_audio_buffer.speech_started":
		b.handleInterruption()
	case "response.audio.delta":
		b.handleAudioDelta(evt)
	case "response.audio_transcript.done":
		b.handleAssistantTranscript(getString(evt, "transcript"))
	case "conversation.item.input_audio_transcription.completed":
		b.handleUserTranscript(getString(evt, "transcript"))
	case "conversation.item.created":
		b.handleItemCreated(evt)
	case "response.function_call_arguments.done":
		b.handleFunctionCall(evt)
	case "error":
		logger.Base().Error("model session error",
			zap.String("call_sid", b.currentCallSID()),
			zap.Any("event", evt))
	}
}

// handleAudioDelta relays synthesized audio to the phone leg and tracks which
// response item is playing for interruption accounting.
func (b *Bridge) handleAudioDelta(evt map[string]interface{}) {
	delta := getString(evt, "delta")

	b.mu.Lock()
	if b.responseStartMs < 0 {
		b.responseStartMs = b.latestMediaMs
	}
	if itemID := getString(evt, "item_id"); itemID != "" {
		b.activeItemID = itemID
	}
	streamSID := b.streamSID
	b.mu.Unlock()

	if delta == "" {
		return
	}
	if err := b.writeFrame(&outboundMediaFrame{
		Event:     "media",
		StreamSID: streamSID,
		Media:     &mediaPayload{Payload: delta},
	}); err != nil {
		logger.Base().Warn("failed to write assistant audio",
			zap.String("call_sid", b.currentCallSID()),
			zap.Error(err))
	}
}

// handleInterruption runs the barge-in sequence when the caller starts
// speaking over an in-flight response. All three external actions are
// attempted independently.
func (b *Bridge) handleInterruption() {
	b.mu.Lock()
	if b.responseStartMs < 0 || b.activeItemID == "" {
		b.mu.Unlock()
		return
	}
	elapsed := b.latestMediaMs - b.responseStartMs
	if elapsed < 0 {
		elapsed = 0
	}
	itemID := b.activeItemID
	session := b.session
	streamSID := b.streamSID
	callSID := b.callSID
	b.responseStartMs = -1
	b.activeItemID = ""
	b.mu.Unlock()

	logger.Base().Info("caller interrupted assistant",
		zap.String("call_sid", callSID),
		zap.Int64("elapsed_ms", elapsed))

	if session != nil {
		if err := session.SendEvent(map[string]interface{}{
			"type":          "conversation.item.truncate",
			"item_id":       itemID,
			"content_index": 0,
			"audio_end_ms":  elapsed,
		}); err != nil {
			logger.Base().Warn("truncate failed", zap.String("call_sid", callSID), zap.Error(err))
		}
		if err := session.SendEvent(map[string]interface{}{"type": "response.cancel"}); err != nil {
			logger.Base().Warn("response cancel failed", zap.String("call_sid", callSID), zap.Error(err))
		}
	}
	if err := b.writeFrame(&clearFrame{Event: "clear", StreamSID: streamSID}); err != nil {
		logger.Base().Warn("buffer clear failed", zap.String("call_sid", callSID), zap.Error(err))
	}

	b.deps.Hub.Publish(event.TypeCallInterrupted, callSID, map[string]interface{}{
		"elapsedMs": elapsed,
	})
}

// handleAssistantTranscript records the finished assistant turn. A pending
// end-call rides this handshake: the goodbye transcript completing is the
// signal to hang up after a short grace period.
func (b *Bridge) handleAssistantTranscript(text string) {
	callSID := b.currentCallSID()
	if text != "" {
		b.deps.History.Append(callSID, domain.RoleAssistant, text)
		b.deps.Hub.Publish(event.TypeTranscriptAI, callSID, map[string]interface{}{"text": text})
	}

	b.mu.Lock()
	b.responseStartMs = -1
	b.activeItemID = ""
	pending := b.pendingEnd
	b.mu.Unlock()

	if pending != nil {
		b.scheduleEndCall(pending.seq, b.opts.EndCallDelay)
	}
}

func (b *Bridge) handleUserTranscript(text string) {
	if text == "" {
		return
	}
	callSID := b.currentCallSID()
	b.deps.History.Append(callSID, domain.RoleUser, text)
	b.deps.Hub.Publish(event.TypeTranscriptUser, callSID, map[string]interface{}{"text": text})
}

// handleItemCreated records function-call items so later argument events can
// be resolved to a tool name by call_id.
func (b *Bridge) handleItemCreated(evt map[string]interface{}) {
	item, ok := evt["item"].(map[string]interface{})
	if !ok || getString(item, "type") != "function_call" {
		return
	}
	callID := getString(item, "call_id")
	name := getString(item, "name")
	if callID == "" || name == "" {
		return
	}

	b.mu.Lock()
	b.functionNames[callID] = name
	b.mu.Unlock()

	logger.Base().Info("function call initiated",
		zap.String("call_sid", b.currentCallSID()),
		zap.String("name", name),
		zap.String("function_call_id", callID))
}

// handleFunctionCall dispatches a finalized tool invocation. Malformed
// argument JSON degrades to an empty object rather than aborting the call.
func (b *Bridge) handleFunctionCall(evt map[string]interface{}) {
	callSID := b.currentCallSID()

	callID := getString(evt, "call_id")
	b.mu.Lock()
	name := b.functionNames[callID]
	b.mu.Unlock()
	if name == "" {
		name = getString(evt, "name")
	}

	args := map[string]interface{}{}
	if raw := getString(evt, "arguments"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &args); err != nil {
			logger.Base().Warn("malformed tool arguments",
				zap.String("call_sid", callSID),
				zap.String("name", name),
				zap.Error(err))
			args = map[string]interface{}{}
		}
	}

	b.deps.Hub.Publish(event.TypeToolCalled, callSID, map[string]interface{}{
		"name":      name,
		"arguments": args,
	})

	switch name {
	case prompts.ToolSendDTMF:
		b.handleDTMFTool(callSID, args)
	case prompts.ToolEndCall:
		b.handleEndCallTool(callSID, args)
	default:
		logger.Base().Warn("unknown tool invoked",
			zap.String("call_sid", callSID),
			zap.String("name", name))
	}
}

// handleDTMFTool plays tones via a carrier redirect. The redirect closes and
// reopens the media stream; the reopened stream reconnects as a fresh bridge.
func (b *Bridge) handleDTMFTool(callSID string, args map[string]interface{}) {
	digits, _ := args["digits"].(string)
	if digits == "" {
		logger.Base().Warn("dtmf tool called without digits", zap.String("call_sid", callSID))
		return
	}
	reason, _ := args["reason"].(string)

	logger.Base().Info("sending dtmf",
		zap.String("call_sid", callSID),
		zap.String("digits", digits),
		zap.String("reason", reason))
	b.deps.Hub.Publish(event.TypeDTMFSent, callSID, map[string]interface{}{
		"digits": digits,
		"reason": reason,
	})

	if err := b.deps.Calls.PlayDTMF(callSID, digits, b.opts.StreamURL); err != nil {
		logger.Base().Error("dtmf redirect failed",
			zap.String("call_sid", callSID),
			zap.Error(err))
	}
}

// handleEndCallTool defers the hangup so the caller hears the goodbye. The
// fallback timer forces termination when no transcript event ever arrives.
func (b *Bridge) handleEndCallTool(callSID string, args map[string]interface{}) {
	reason, _ := args["reason"].(string)
	if reason == "" {
		reason = "Task completed"
	}

	b.mu.Lock()
	if b.pendingEnd != nil {
		b.mu.Unlock()
		return
	}
	b.endSeq++
	seq := b.endSeq
	b.pendingEnd = &pendingEndCall{reason: reason, seq: seq}
	b.fallbackTimer = time.AfterFunc(b.opts.EndCallFallback, func() {
		b.executeEndCall(seq)
	})
	b.mu.Unlock()

	logger.Base().Info("end call requested, waiting for goodbye to finish",
		zap.String("call_sid", callSID),
		zap.String("reason", reason))
}

// scheduleEndCall arms the short post-goodbye delay for a specific pending
// request. Scheduling is idempotent per request.
func (b *Bridge) scheduleEndCall(seq int, delay time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.pendingEnd == nil || b.pendingEnd.seq != seq || b.endTimer != nil {
		return
	}
	b.endTimer = time.AfterFunc(delay, func() {
		b.executeEndCall(seq)
	})
}

// executeEndCall terminates the call exactly once per pending request. Both
// the delay and fallback timers funnel here; whichever fires first clears the
// pending marker and the loser sees a stale seq.
func (b *Bridge) executeEndCall(seq int) {
	b.mu.Lock()
	if b.pendingEnd == nil || b.pendingEnd.seq != seq {
		b.mu.Unlock()
		return
	}
	reason := b.pendingEnd.reason
	b.pendingEnd = nil
	if b.endTimer != nil {
		b.endTimer.Stop()
		b.endTimer = nil
	}
	if b.fallbackTimer != nil {
		b.fallbackTimer.Stop()
		b.fallbackTimer = nil
	}
	callSID := b.callSID
	b.mu.Unlock()

	b.deps.Hub.Publish(event.TypeCallEnding, callSID, map[string]interface{}{"reason": reason})

	if err := b.deps.Calls.EndCall(callSID); err != nil {
		logger.Base().Error("failed to end call",
			zap.String("call_sid", callSID),
			zap.Error(err))
		return
	}
	logger.Base().Info("call ended by agent",
		zap.String("call_sid", callSID),
		zap.String("reason", reason))
}

func getString(m map[string]interface{}, key string) string {
	s, _ := m[key].(string)
	return s
}
