package model

import "time"

// ================ Config ================
type ConversationConfig struct {
	// TTL bounds how long a stored transcript survives without activity.
	TTL     time.Duration `envconfig:"CONVERSATION_TTL" default:"24h"`
	History struct {
		MaxTurns int `envconfig:"CONVERSATION_HISTORY_MAX_TURNS" default:"20"`
	}
	Tools struct {
		MaxCalls int `envconfig:"CONVERSATION_TOOL_MAX_CALLS" default:"12"`
	}
	// Audit caps the decision runs kept per conversation.
	Audit struct {
		MaxRuns int `envconfig:"CONVERSATION_AUDIT_MAX_RUNS" default:"100"`
	}
}

type ResponseModelConfig struct {
	Model       string  `envconfig:"RESPONSE_MODEL" default:"gemini-2.5-flash"`
	MaxTokens   int     `envconfig:"RESPONSE_MAX_TOKENS" default:"4096"`
	Temperature float32 `envconfig:"RESPONSE_TEMPERATURE" default:"0.2"`
	// ThinkingBudget is passed to Gemini; 0 disables thoughts.
	ThinkingBudget int32 `envconfig:"RESPONSE_THINKING_BUDGET" default:"1024"`
}

type SessionConfig struct {
	IdleTTL       time.Duration `envconfig:"SESSION_IDLE_TTL" default:"30m"`
	SweepInterval time.Duration `envconfig:"SESSION_SWEEP_INTERVAL" default:"1m"`
	// ContextContacts caps the directory entries rendered into instructions.
	ContextContacts int `envconfig:"SESSION_CONTEXT_CONTACTS" default:"20"`
}

type BatchConfig struct {
	Concurrency int `envconfig:"BATCH_CONCURRENCY" default:"5"`
	PreviewRows int `envconfig:"BATCH_PREVIEW_ROWS" default:"20"`
	MaxRows     int `envconfig:"BATCH_MAX_ROWS" default:"5000"`
}

type CarrierConfig struct {
	Provider      string `envconfig:"CARRIER_PROVIDER" default:"ups"`
	Environment   string `envconfig:"CARRIER_ENV"`
	AccountNumber string `envconfig:"CARRIER_ACCOUNT"`
	APIKey        string `envconfig:"CARRIER_API_KEY"`
}

type HTTPConfig struct {
	Addr         string  `envconfig:"HTTP_ADDR" default:":8080"`
	MessageRate  float64 `envconfig:"HTTP_MESSAGE_RATE" default:"1"`
	MessageBurst int     `envconfig:"HTTP_MESSAGE_BURST" default:"5"`
}
