package prompts

// Tool names the model can invoke during a call.
const (
	ToolSendDTMF = "send_dtmf"
	ToolEndCall  = "end_call"
)

// ToolDefinitions returns the realtime function definitions exposed to every
// call session.
func ToolDefinitions() []interface{} {
	return []interface{}{
		map[string]interface{}{
			"type":        "function",
			"name":        ToolSendDTMF,
			"description": "Send DTMF digit(s) to navigate IVR phone menus. Use when the system asks you to press a number.",
			"parameters": map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"digits": map[string]interface{}{
						"type":        "string",
						"pattern":     "^[0-9*#]+$",
						"description": "Digits to send (0-9, *, #). Example: \"1\" or \"123\"",
					},
					"reason": map[string]interface{}{
						"type":        "string",
						"description": "Why you are sending these digits. Example: \"Selecting specialized services menu\"",
					},
				},
				"required": []string{"digits"},
			},
		},
		map[string]interface{}{
			"type":        "function",
			"name":        ToolEndCall,
			"description": "End the phone call when the task is complete and you have said goodbye to the person.",
			"parameters": map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"reason": map[string]interface{}{
						"type":        "string",
						"description": "Brief reason why the call is ending (e.g., \"Task completed successfully\")",
					},
				},
				"required": []string{"reason"},
			},
		},
	}
}
