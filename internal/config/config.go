package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all service configuration loaded from environment variables.
type Config struct {
	Port string

	// OpenAI configuration
	OpenAIAPIKey  string
	OpenAIBaseURL string

	// Twilio configuration
	TwilioAccountSID  string
	TwilioAuthToken   string
	TwilioPhoneNumber string

	// Publicly reachable domain used to build TwiML stream and callback URLs
	PublicDomain string

	// Reconnection and cleanup tuning
	ReconnectWindow   time.Duration
	HistoryInactivity time.Duration

	// Deferred hangup tuning
	EndCallDelay    time.Duration
	EndCallFallback time.Duration

	// Optional JWT secret protecting the event stream endpoints
	EventsAuthSecret string

	EnableCORS bool
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		Port: getEnvOrDefault("TWILIO_SERVER_PORT", "5050"),

		OpenAIAPIKey:  getEnvOrDefault("OPENAI_API_KEY", ""),
		OpenAIBaseURL: getEnvOrDefault("OPENAI_BASE_URL", "https://api.openai.com"),

		TwilioAccountSID:  getEnvOrDefault("TWILIO_ACCOUNT_SID", ""),
		TwilioAuthToken:   getEnvOrDefault("TWILIO_AUTH_TOKEN", ""),
		TwilioPhoneNumber: getEnvOrDefault("TWILIO_PHONE_NUMBER", ""),

		PublicDomain: getEnvOrDefault("PUBLIC_DOMAIN", ""),

		ReconnectWindow:   getEnvAsDurationMs("RECONNECT_WINDOW_MS", 5000),
		HistoryInactivity: getEnvAsDurationMs("HISTORY_INACTIVITY_MS", 60000),
		EndCallDelay:      getEnvAsDurationMs("END_CALL_DELAY_MS", 1000),
		EndCallFallback:   getEnvAsDurationMs("END_CALL_FALLBACK_MS", 7000),

		EventsAuthSecret: getEnvOrDefault("EVENTS_AUTH_SECRET", ""),

		EnableCORS: getEnvAsBoolOrDefault("ENABLE_CORS", true),
	}
}

// Validate checks that required credentials are present. The server refuses to
// start without them because every call depends on all three upstreams.
func (c *Config) Validate() error {
	required := []struct {
		name  string
		value string
	}{
		{"OPENAI_API_KEY", c.OpenAIAPIKey},
		{"TWILIO_ACCOUNT_SID", c.TwilioAccountSID},
		{"TWILIO_AUTH_TOKEN", c.TwilioAuthToken},
		{"TWILIO_PHONE_NUMBER", c.TwilioPhoneNumber},
		{"PUBLIC_DOMAIN", c.PublicDomain},
	}
	for _, r := range required {
		if r.value == "" {
			return fmt.Errorf("missing required environment variable: %s", r.name)
		}
	}
	return nil
}

// MediaStreamURL returns the websocket URL Twilio connects its media stream to.
func (c *Config) MediaStreamURL() string {
	scheme := "wss"
	if strings.Contains(c.PublicDomain, "localhost") {
		scheme = "ws"
	}
	return fmt.Sprintf("%s://%s/twilio/media-stream", scheme, c.PublicDomain)
}

// IncomingCallURL returns the TwiML webhook URL used when placing outbound
// calls. The carrier fetches it when the callee answers.
func (c *Config) IncomingCallURL() string {
	scheme := "https"
	if strings.Contains(c.PublicDomain, "localhost") {
		scheme = "http"
	}
	return fmt.Sprintf("%s://%s/twilio/incoming-call", scheme, c.PublicDomain)
}

// getEnvOrDefault gets environment variable or returns default
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsIntOrDefault gets environment variable as int or returns default
func getEnvAsIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvAsBoolOrDefault gets environment variable as bool or returns default
func getEnvAsBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// getEnvAsDurationMs reads a millisecond count from the environment.
func getEnvAsDurationMs(key string, defaultMs int) time.Duration {
	return time.Duration(getEnvAsIntOrDefault(key, defaultMs)) * time.Millisecond
}
