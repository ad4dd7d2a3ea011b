package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	CalAPIKey string
	V2BaseURL string
	V1BaseURL string

	AttendeeEmail string
	AttendeeName  string

	// EventTypeID, when non-zero, overrides intent-based event type
	// detection.
	EventTypeID int

	// PinnedNow is an optional YYYY-MM-DD date that replaces the real
	// clock for deterministic runs.
	PinnedNow string

	RequestTimeout time.Duration
	LogLevel       string

	// The intent layer's knobs are carried here but consumed elsewhere.
	OpenAIAPIKey string
	OpenAIModel  string
}

func Load() (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CALBOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("calcom.api_key", "")
	v.SetDefault("calcom.v2_base_url", "https://api.cal.com/v2")
	v.SetDefault("calcom.v1_base_url", "https://api.cal.com/v1")
	v.SetDefault("attendee.email", "")
	v.SetDefault("attendee.name", "")
	v.SetDefault("event_type_id", 0)
	v.SetDefault("pinned_now", "")
	v.SetDefault("request.timeout", "30s")
	v.SetDefault("log.level", "info")
	v.SetDefault("openai.api_key", "")
	v.SetDefault("openai.model", "gpt-4-turbo-preview")

	_ = v.BindEnv("calcom.api_key", "CALBOT_CALCOM_API_KEY", "CALCOM_API_KEY")
	_ = v.BindEnv("calcom.v2_base_url", "CALBOT_CALCOM_V2_BASE_URL")
	_ = v.BindEnv("calcom.v1_base_url", "CALBOT_CALCOM_V1_BASE_URL")
	_ = v.BindEnv("attendee.email", "CALBOT_ATTENDEE_EMAIL", "ATTENDEE_EMAIL")
	_ = v.BindEnv("attendee.name", "CALBOT_ATTENDEE_NAME", "ATTENDEE_NAME")
	_ = v.BindEnv("event_type_id", "CALBOT_EVENT_TYPE_ID")
	_ = v.BindEnv("pinned_now", "CALBOT_PINNED_NOW")
	_ = v.BindEnv("request.timeout", "CALBOT_REQUEST_TIMEOUT")
	_ = v.BindEnv("log.level", "CALBOT_LOG_LEVEL", "LOG_LEVEL")
	_ = v.BindEnv("openai.api_key", "CALBOT_OPENAI_API_KEY", "OPENAI_API_KEY")
	_ = v.BindEnv("openai.model", "CALBOT_OPENAI_MODEL", "OPENAI_MODEL")

	timeout, err := time.ParseDuration(v.GetString("request.timeout"))
	if err != nil {
		return Config{}, err
	}

	return Config{
		CalAPIKey:      strings.TrimSpace(v.GetString("calcom.api_key")),
		V2BaseURL:      strings.TrimRight(v.GetString("calcom.v2_base_url"), "/"),
		V1BaseURL:      strings.TrimRight(v.GetString("calcom.v1_base_url"), "/"),
		AttendeeEmail:  strings.TrimSpace(v.GetString("attendee.email")),
		AttendeeName:   strings.TrimSpace(v.GetString("attendee.name")),
		EventTypeID:    v.GetInt("event_type_id"),
		PinnedNow:      strings.TrimSpace(v.GetString("pinned_now")),
		RequestTimeout: timeout,
		LogLevel:       v.GetString("log.level"),
		OpenAIAPIKey:   strings.TrimSpace(v.GetString("openai.api_key")),
		OpenAIModel:    v.GetString("openai.model"),
	}, nil
}
