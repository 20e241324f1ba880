package event

import "time"

// Type identifies a domain event published on the monitoring stream.
type Type string

const (
	TypeCallStarted     Type = "call.started"
	TypeCallEnding      Type = "call.ending"
	TypeCallEnded       Type = "call.ended"
	TypeCallInterrupted Type = "call.interrupted"
	TypeTranscriptAI    Type = "transcript.ai"
	TypeTranscriptUser  Type = "transcript.user"
	TypeToolCalled      Type = "tool.called"
	TypeDTMFSent        Type = "dtmf.sent"
)

// Envelope is the wire format for domain events delivered to observers.
type Envelope struct {
	Type      Type        `json:"type"`
	CallSID   string      `json:"callSid,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp string      `json:"timestamp"`
}

// AudioFrame is the wire format for relayed caller audio.
type AudioFrame struct {
	Type      string `json:"type"`
	Source    string `json:"source"`
	Payload   string `json:"payload"`
	Codec     string `json:"codec"`
	Timestamp string `json:"timestamp"`
}

// AudioSourceCaller marks frames captured from the phone leg.
const AudioSourceCaller = "caller"

// CodecG711ULaw is the codec Twilio media streams carry.
const CodecG711ULaw = "g711_ulaw"

func newEnvelope(eventType Type, callSID string, data interface{}) *Envelope {
	return &Envelope{
		Type:      eventType,
		CallSID:   callSID,
		Data:      data,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
}
