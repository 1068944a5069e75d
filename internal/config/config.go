package config

import (
	"errors"
	"regexp"
	"strings"

	"go.uber.org/zap/zapcore"
)

type Config struct {
	LogLevel   zapcore.Level
	Gateway    GatewayConfig    `mapstructure:"gateway"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Monitor    MonitorConfig    `mapstructure:"monitor"`
	Automation AutomationConfig `mapstructure:"automation"`
	MQTT       MQTTConfig       `mapstructure:"mqtt"`
	Port       uint             `mapstructure:"port"`
	HttpLog    bool             `mapstructure:"http_log"`
}

type GatewayConfig struct {
	Mode               string  `mapstructure:"mode"`
	Host               string  `mapstructure:"host"`
	Email              string  `mapstructure:"email"`
	Password           string  `mapstructure:"password"`
	Timezone           string  `mapstructure:"timezone"`
	BatteryCapacityKWH float64 `mapstructure:"battery_capacity_kwh"`
}

type StorageConfig struct {
	DataDir        string `mapstructure:"data_dir"`
	FlushThreshold int    `mapstructure:"flush_threshold"`
}

type MonitorConfig struct {
	IntervalSeconds int `mapstructure:"interval_seconds"`
}

type AutomationConfig struct {
	CooldownSeconds      int    `mapstructure:"cooldown_seconds"`
	AverageWindowSeconds int    `mapstructure:"average_window_seconds"`
	RulesFile            string `mapstructure:"rules_file"`
}

type MQTTConfig struct {
	Enable            bool   `mapstructure:"enable"`
	Host              string `mapstructure:"host"`
	Port              int    `mapstructure:"port"`
	Username          string `mapstructure:"username"`
	Password          string `mapstructure:"password"`
	BaseTopic         string `mapstructure:"base_topic"`
	HADiscoveryEnable bool   `mapstructure:"ha_discovery_enable"`
	HADiscoveryTopic  string `mapstructure:"ha_discovery_topic"`
}

func CheckMQTTTopic(baseTopic string) (string, error) {
	// check and fix base topic
	lowerBaseTopic := strings.ToLower(baseTopic)
	baseTopicRegexp := regexp.MustCompile("^[a-z0-9_]+$")
	matches := baseTopicRegexp.FindAllStringSubmatch(lowerBaseTopic, 1)
	if len(matches) <= 0 {
		return "", errors.New("invalid topic. can only contain letters, numbers and underscores")
	}
	return lowerBaseTopic, nil
}
