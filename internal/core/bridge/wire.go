package bridge

// Twilio media stream frames. Only the fields the bridge consumes are
// declared; everything else in the envelope is ignored.

type twilioFrame struct {
	Event     string      `json:"event"`
	StreamSID string      `json:"streamSid,omitempty"`
	Start     *startFrame `json:"start,omitempty"`
	Media     *mediaFrame `json:"media,omitempty"`
	DTMF      *dtmfFrame  `json:"dtmf,omitempty"`
}

type startFrame struct {
	CallSID   string `json:"callSid"`
	StreamSID string `json:"streamSid"`
}

type mediaFrame struct {
	Track     string `json:"track,omitempty"`
	Payload   string `json:"payload"`
	Timestamp string `json:"timestamp"`
}

type dtmfFrame struct {
	Track string `json:"track"`
	Digit string `json:"digit"`
}

// Outbound frames the bridge writes back to the carrier.

type outboundMediaFrame struct {
	Event     string        `json:"event"`
	StreamSID string        `json:"streamSid"`
	Media     *mediaPayload `json:"media"`
}

type mediaPayload struct {
	Payload string `json:"payload"`
}

type clearFrame struct {
	Event     string `json:"event"`
	StreamSID string `json:"streamSid"`
}
