package prompts

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rbarazi/twilio-voice-agent/internal/domain"
)

const (
	// VoiceDefault is used for structured outbound tasks.
	VoiceDefault = "sage"
	// VoiceCustom is used for free-form custom tasks.
	VoiceCustom = "verse"
)

// DefaultVoice returns the voice for a task type when the call does not
// override it.
func DefaultVoice(taskType domain.TaskType) string {
	if taskType == domain.TaskCustom {
		return VoiceCustom
	}
	return VoiceDefault
}

// InboundTask is the fallback task used when a media stream starts for a call
// the registry does not know about.
func InboundTask() domain.OutboundTask {
	return domain.OutboundTask{
		Type:    domain.TaskCustom,
		Prompt:  "You are a helpful AI assistant. Greet the caller and ask how you can help them.",
		Context: map[string]interface{}{},
	}
}

// BuildInstructions renders the full system instructions for a task.
func BuildInstructions(task domain.OutboundTask) string {
	contextJSON := "{}"
	if len(task.Context) > 0 {
		if data, err := json.MarshalIndent(task.Context, "", "  "); err == nil {
			contextJSON = string(data)
		}
	}

	base := fmt.Sprintf(`You are an AI assistant making an outbound phone call.

# Your Task
%s

# Context
%s

# Guidelines
- Be polite and professional
- Identify yourself as an AI assistant at the start
- Complete the task efficiently
- Confirm understanding before ending the call
- If the person wants to speak to a human, apologize and say you'll have someone call back
- Keep the call under 2 minutes unless the conversation naturally extends
- When an IVR system asks you to press a number, USE the send_dtmf tool immediately
- Example: "Press 1 for English" -> call send_dtmf with digits: "1"
- Do NOT just say "I'll press 1" - you MUST actually call the send_dtmf tool
- After sending DTMF, wait 2-3 seconds for the system to respond

# Call Structure
1. Greeting: "Hello, this is an AI assistant calling on behalf of the company."
2. Purpose: Clearly state why you're calling
3. Execute: Complete the task
4. Confirmation: Confirm the person understood
5. Closing: Thank them and say goodbye
6. IMPORTANT: After saying goodbye, immediately call the end_call tool to hang up the phone`, task.Prompt, contextJSON)

	switch task.Type {
	case domain.TaskAppointmentReminder:
		return base + `

# Appointment Reminder Guidelines
- Clearly state the appointment date and time
- Mention the location if provided
- Ask if they can confirm their attendance
- Offer to reschedule if they cannot attend
- Keep the call brief and to the point`

	case domain.TaskSurvey:
		return base + `

# Survey Guidelines
- Ask each question clearly
- Wait for the response before moving to the next question
- Thank them for each answer
- Keep responses concise
- Summarize at the end`

	case domain.TaskNotification:
		return base + `

# Notification Guidelines
- Deliver the message clearly and concisely
- Ensure key details are mentioned
- Ask if they have any questions
- Confirm they received the information
- End the call promptly`

	default:
		return base
	}
}

// ReconnectionInstructions extends the base instructions with the prior
// transcript so a rejoining session continues the conversation instead of
// starting over. Used after DTMF redirects and mid-call stream drops.
func ReconnectionInstructions(task domain.OutboundTask, history []domain.Message) string {
	base := BuildInstructions(task)
	if len(history) == 0 {
		return base
	}

	var b strings.Builder
	b.WriteString(base)
	b.WriteString("\n\n# Conversation So Far\nThe audio connection was briefly interrupted. This is the conversation up to this point:\n")
	for _, msg := range history {
		speaker := "Caller"
		if msg.Role == domain.RoleAssistant {
			speaker = "You"
		}
		fmt.Fprintf(&b, "- %s: %s\n", speaker, msg.Text)
	}
	b.WriteString("\nContinue the conversation naturally from where it left off. Do NOT greet the person again or restart the task.")
	return b.String()
}
