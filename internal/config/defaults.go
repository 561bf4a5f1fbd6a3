package config

import "time"

func Defaults() *Config {
	return &Config{
		Discord: DiscordConfig{
			RequestTimeout: 30 * time.Second,
		},
		Relay: RelayConfig{
			FallbackAvatarURL: DefaultFallbackAvatarURL,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Endpoint: "/metrics",
		},
		Journal: JournalConfig{
			RetentionDays: 30,
		},
	}
}
