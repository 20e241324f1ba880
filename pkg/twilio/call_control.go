package twilio

import (
	"fmt"
	"regexp"

	"github.com/rbarazi/twilio-voice-agent/pkg/logger"
	"github.com/twilio/twilio-go"
	api "github.com/twilio/twilio-go/rest/api/v2010"
	"go.uber.org/zap"
)

// CallAPI is the carrier-side control surface for live calls. The bridge and
// the HTTP handlers depend on this interface rather than the concrete client.
type CallAPI interface {
	// CreateCall places an outbound call. The carrier fetches TwiML from
	// callbackURL when the callee answers. Returns the call SID.
	CreateCall(to, from, callbackURL string) (string, error)

	// EndCall terminates a live call.
	EndCall(callSID string) error

	// PlayDTMF redirects a live call to play DTMF tones and then reconnect
	// its media stream. The redirect tears down the current stream; the
	// carrier opens a fresh one against streamURL afterwards.
	PlayDTMF(callSID, digits, streamURL string) error
}

var digitsPattern = regexp.MustCompile(`^[0-9*#]+$`)

// CallControl implements CallAPI over the Twilio REST API.
type CallControl struct {
	client *twilio.RestClient
}

// NewCallControl creates a call control client with account credentials.
func NewCallControl(accountSID, authToken string) *CallControl {
	return &CallControl{
		client: twilio.NewRestClientWithParams(twilio.ClientParams{
			Username: accountSID,
			Password: authToken,
		}),
	}
}

// CreateCall places an outbound call via the Twilio API.
func (c *CallControl) CreateCall(to, from, callbackURL string) (string, error) {
	params := &api.CreateCallParams{}
	params.SetTo(to)
	params.SetFrom(from)
	params.SetUrl(callbackURL)
	params.SetMethod("POST")

	resp, err := c.client.Api.CreateCall(params)
	if err != nil {
		return "", fmt.Errorf("failed to create call: %w", err)
	}
	if resp.Sid == nil {
		return "", fmt.Errorf("carrier returned call without sid")
	}

	logger.Base().Info("call created", zap.String("call_sid", *resp.Sid), zap.String("to", to))
	return *resp.Sid, nil
}

// EndCall marks a live call completed, which hangs it up.
func (c *CallControl) EndCall(callSID string) error {
	params := &api.UpdateCallParams{}
	params.SetStatus("completed")

	if _, err := c.client.Api.UpdateCall(callSID, params); err != nil {
		return fmt.Errorf("failed to end call %s: %w", callSID, err)
	}

	logger.Base().Info("call ended", zap.String("call_sid", callSID))
	return nil
}

// PlayDTMF redirects the call to TwiML that plays the digits and reopens the
// media stream.
func (c *CallControl) PlayDTMF(callSID, digits, streamURL string) error {
	if !digitsPattern.MatchString(digits) {
		return fmt.Errorf("invalid dtmf digits: %q", digits)
	}

	params := &api.UpdateCallParams{}
	params.SetTwiml(DTMFTwiML(digits, streamURL))

	if _, err := c.client.Api.UpdateCall(callSID, params); err != nil {
		return fmt.Errorf("failed to play dtmf on call %s: %w", callSID, err)
	}

	logger.Base().Info("dtmf redirect issued",
		zap.String("call_sid", callSID),
		zap.String("digits", digits))
	return nil
}
