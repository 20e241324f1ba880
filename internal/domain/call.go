package domain

import "time"

// TaskType identifies the kind of outbound call the agent is performing.
type TaskType string

const (
	TaskAppointmentReminder TaskType = "appointment_reminder"
	TaskSurvey              TaskType = "survey"
	TaskNotification        TaskType = "notification"
	TaskCustom              TaskType = "custom"
)

// IsValid checks if the task type is one of the supported kinds.
func (t TaskType) IsValid() bool {
	switch t {
	case TaskAppointmentReminder, TaskSurvey, TaskNotification, TaskCustom:
		return true
	}
	return false
}

// OutboundTask describes what the agent should accomplish on a call.
type OutboundTask struct {
	Type    TaskType               `json:"type"`
	Prompt  string                 `json:"prompt,omitempty"`
	Context map[string]interface{} `json:"context,omitempty"`
}

// AgentConfig carries optional per-call overrides for the model session.
type AgentConfig struct {
	Voice          string   `json:"voice,omitempty"`
	Temperature    *float64 `json:"temperature,omitempty"`
	NoiseReduction string   `json:"noiseReduction,omitempty"`
	Model          string   `json:"model,omitempty"`
}

// Credentials carries optional per-call credential overrides.
type Credentials struct {
	OpenAIAPIKey string `json:"openaiApiKey,omitempty"`
}

// CallStatus tracks the lifecycle of a call in the registry.
type CallStatus string

const (
	CallStatusInitiated  CallStatus = "initiated"
	CallStatusInProgress CallStatus = "in-progress"
	CallStatusCompleted  CallStatus = "completed"
	CallStatusFailed     CallStatus = "failed"
)

// CallRecord is the registry entry for a single phone call.
type CallRecord struct {
	CallSID     string       `json:"callSid"`
	To          string       `json:"to,omitempty"`
	Task        OutboundTask `json:"task"`
	AgentConfig *AgentConfig `json:"agentConfig,omitempty"`
	Credentials *Credentials `json:"-"`
	Status      CallStatus   `json:"status"`
	Inbound     bool         `json:"inbound,omitempty"`
	StartedAt   time.Time    `json:"startedAt"`
	UpdatedAt   time.Time    `json:"updatedAt"`
}

// Message roles in conversation history.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is a single transcript entry in a call's conversation history.
type Message struct {
	Role      string    `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}
