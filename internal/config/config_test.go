package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, "5050", cfg.Port)
	assert.Equal(t, "https://api.openai.com", cfg.OpenAIBaseURL)
	assert.Equal(t, 5*time.Second, cfg.ReconnectWindow)
	assert.Equal(t, 60*time.Second, cfg.HistoryInactivity)
	assert.Equal(t, time.Second, cfg.EndCallDelay)
	assert.Equal(t, 7*time.Second, cfg.EndCallFallback)
	assert.True(t, cfg.EnableCORS)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("TWILIO_SERVER_PORT", "6000")
	t.Setenv("RECONNECT_WINDOW_MS", "250")
	t.Setenv("ENABLE_CORS", "false")

	cfg := Load()

	assert.Equal(t, "6000", cfg.Port)
	assert.Equal(t, 250*time.Millisecond, cfg.ReconnectWindow)
	assert.False(t, cfg.EnableCORS)
}

func TestValidate(t *testing.T) {
	cfg := &Config{
		OpenAIAPIKey:      "sk-test",
		TwilioAccountSID:  "AC123",
		TwilioAuthToken:   "token",
		TwilioPhoneNumber: "+15550001111",
		PublicDomain:      "example.ngrok.io",
	}
	require.NoError(t, cfg.Validate())

	cfg.TwilioAuthToken = ""
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TWILIO_AUTH_TOKEN")
}

func TestMediaStreamURL(t *testing.T) {
	cfg := &Config{PublicDomain: "voice.example.com"}
	assert.Equal(t, "wss://voice.example.com/twilio/media-stream", cfg.MediaStreamURL())
	assert.Equal(t, "https://voice.example.com/twilio/incoming-call", cfg.IncomingCallURL())

	local := &Config{PublicDomain: "localhost:5050"}
	assert.Equal(t, "ws://localhost:5050/twilio/media-stream", local.MediaStreamURL())
	assert.Equal(t, "http://localhost:5050/twilio/incoming-call", local.IncomingCallURL())
}
