package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel: "info",
			DataDir:  ExpandPath("~/.guildsync"),
		},
		Server: ServerConfig{
			Codec:               "json",
			RPCTimeoutSeconds:   15,
			PingIntervalSeconds: 30,
			MaxCallFailures:     3,
			CallsPerMinute:      300,
			CallBurst:           20,
		},
		Cache: CacheConfig{
			WindowSize: 200,
		},
		Reconnect: ReconnectConfig{
			InitialIntervalMs:  500,
			MaxIntervalSeconds: 30,
			Multiplier:         2,
			Randomization:      0.5,
		},
		Outbox: OutboxConfig{
			AbandonAfterSeconds: 120,
		},
		Cursor: CursorConfig{
			FlushEvery: 50,
		},
		Attachments: AttachmentsConfig{
			MaxBytes:            25 << 20,
			FetchTimeoutSeconds: 60,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Listen:  "127.0.0.1:9464",
		},
	}
}
