package util

import (
	"powerwatch/internal/config"

	"go.uber.org/zap"
)

func LoadTestConfig() config.Config {
	return config.Config{
		LogLevel: zap.DebugLevel,
		Gateway: config.GatewayConfig{
			Mode:               "simulator",
			BatteryCapacityKWH: 13.5,
		},
		Storage: config.StorageConfig{
			DataDir:        "./data",
			FlushThreshold: 12,
		},
		Monitor: config.MonitorConfig{
			IntervalSeconds: 5,
		},
		Automation: config.AutomationConfig{
			CooldownSeconds:      30,
			AverageWindowSeconds: 20,
			RulesFile:            "./data/rules.yaml",
		},
		MQTT: config.MQTTConfig{
			Host:      "localhost",
			Port:      1883,
			BaseTopic: "powerwatch",
		},
		Port: 8080,
	}
}
