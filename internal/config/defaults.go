package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			DataDir:             "~/.laughingfox",
			LogLevel:            "info",
			LogMaxSizeMB:        20,
			LogMaxBackups:       3,
			BotName:             "Laughingfox",
			Prefix:              "!",
			MaxConcurrentEvents: 32,
		},
		Connection: ConnectionConfig{
			SidecarURL:            "ws://127.0.0.1:8787/session",
			ConnectTimeoutSeconds: 30,
			MaxAttempts:           5,
			BackoffUnitSeconds:    5,
			RestartDelaySeconds:   10,
			SendRatePerMinute:     60,
			SendBurst:             10,
		},
		Credentials: CredentialsConfig{
			Bootstrap: BootstrapConfig{
				Source:        "none",
				SessionPrefix: "sypher™--",
			},
		},
		Store: StoreConfig{
			CacheTTLSeconds:      300,
			FlushIntervalSeconds: 10,
		},
		Correlation: CorrelationConfig{
			EntryTTLMinutes:      60,
			SweepIntervalSeconds: 60,
		},
		Storage: StorageConfig{
			Driver: "sqlite",
		},
		Health: HealthConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    3000,
		},
	}
}
