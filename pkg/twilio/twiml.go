package twilio

import "fmt"

// StreamTwiML returns the TwiML that bridges a call's audio into the media
// stream websocket.
func StreamTwiML(streamURL string) string {
	return fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<Response>
    <Connect>
        <Stream url="%s"/>
    </Connect>
</Response>`, streamURL)
}

// DTMFTwiML returns the TwiML for an in-call DTMF redirect: play the tones
// against whatever IVR the call is on, pause briefly for the far end to
// react, then reconnect the media stream. The leading "ww" waits one second
// before the first tone so the redirect itself settles.
func DTMFTwiML(digits, streamURL string) string {
	return fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<Response>
    <Play digits="ww%s"/>
    <Pause length="1"/>
    <Connect>
        <Stream url="%s"/>
    </Connect>
</Response>`, digits, streamURL)
}
