package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	adactor "powerwatch/internal/adapter/actor"
	"powerwatch/internal/config"
	"powerwatch/internal/core/actor"
	"powerwatch/internal/core/domain"
	"powerwatch/internal/metrics"
	"powerwatch/internal/server"
	"powerwatch/internal/storage"
	"powerwatch/internal/util/actorutil"
	"powerwatch/pkg/powerwall"

	pactor "github.com/asynkron/protoactor-go/actor"
	"github.com/asynkron/protoactor-go/eventstream"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

func gracefulShutdown(apiServer *http.Server, done chan bool) {
	// Create context that listens for the interrupt signal from the OS.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Listen for the interrupt signal.
	<-ctx.Done()

	log.Println("shutting down gracefully, press Ctrl+C again to force")

	// The context is used to inform the server it has 5 seconds to finish
	// the request it is currently handling
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := apiServer.Shutdown(ctx); err != nil {
		log.Printf("Server forced to shutdown with error: %v", err)
	}

	log.Println("Server exiting")

	// Notify the main goroutine that the shutdown is complete
	done <- true
}

func main() {

	// load and print config
	cfg, err := initConfig()
	if err != nil {
		slog.Error("config errors", "error", err)
		return
	}
	safePrintConfig(*cfg)

	// zap logger
	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(cfg.LogLevel)

	logger := zap.Must(zapCfg.Build())

	metrics.Init()

	// init actor system
	as := actorutil.NewActorSystemWithZapLogger(logger)
	ctx := as.Root

	defer logger.Sync()

	// init gateway actor provider
	gatewayProv, err := gatewayActorProvider(cfg, logger)
	if err != nil {
		panic(err)
	}

	props := pactor.PropsFromProducer(func() pactor.Actor {
		return actor.NewMasterOfPuppetsActor(*cfg, gatewayProv, mqttActorProvider(cfg, logger),
			storageActorProvider(cfg, logger), logger)
	})
	pid, err := ctx.SpawnNamed(props, domain.ACTOR_ID_MASTER)
	if err != nil {
		return
	}

	server := server.NewServer(*cfg, ctx, pid)
	// Create a done channel to signal when the shutdown is complete
	done := make(chan bool, 1)

	// Run graceful shutdown in a separate goroutine
	go gracefulShutdown(server, done)

	err = server.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		panic(fmt.Sprintf("http server error: %s", err))
	}

	// Wait for the graceful shutdown to complete
	<-done
	log.Println("Graceful shutdown complete.")

	// stop sampling so buffered data reaches disk before the system dies
	if _, err := ctx.RequestFuture(pid, domain.StopMonitoringRequest{}, 30*time.Second).Result(); err != nil {
		log.Printf("monitoring stop on shutdown failed: %v", err)
	}

	ctx.Stop(pid)
	as.Shutdown()
}

func initConfig() (*config.Config, error) {

	// alias PORT => POWERWATCH_PORT
	if port := os.Getenv("PORT"); port != "" {
		os.Setenv("POWERWATCH_PORT", port)
	}

	setConfigDefaults()

	viper.SetEnvPrefix("powerwatch")
	viper.AutomaticEnv()

	// if defined, try to load config from yaml file
	if cfgFile := os.Getenv("CONFIG_FILE"); cfgFile != "" {
		if _, err := os.Stat(cfgFile); err == nil {
			slog.Info("Using config", "file", cfgFile)
			viper.SetConfigFile(cfgFile)

			err = viper.ReadInConfig()
			if err != nil {
				slog.Error("Error reading config file", "error", err)
			}
		}
	}

	var cfg config.Config

	err := viper.Unmarshal(&cfg)
	if err != nil {
		return nil, err
	}

	// parse log level
	switch viper.GetString("log_level") {
	case "trace":
		cfg.LogLevel = zap.DebugLevel
	case "debug":
		cfg.LogLevel = zap.DebugLevel
	case "info":
		cfg.LogLevel = zap.InfoLevel
	case "error":
		cfg.LogLevel = zap.ErrorLevel
	case "warn":
		cfg.LogLevel = zap.WarnLevel
	case "fatal":
		cfg.LogLevel = zap.FatalLevel
	default:
		cfg.LogLevel = zap.InfoLevel
	}

	// check and fix base topic
	baseTopic, err := config.CheckMQTTTopic(cfg.MQTT.BaseTopic)
	if err != nil {
		return nil, errors.New("invalid base topic. can only contain letters, numbers and underscores")
	}
	cfg.MQTT.BaseTopic = baseTopic

	// check and fix homeassistant discovery topic
	hadBaseTopic, err := config.CheckMQTTTopic(cfg.MQTT.HADiscoveryTopic)
	if err != nil {
		return nil, errors.New("invalid homeassistant discovery topic. can only contain letters, numbers and underscores")
	}
	cfg.MQTT.HADiscoveryTopic = hadBaseTopic

	// check bounds
	if cfg.Monitor.IntervalSeconds < 1 {
		return nil, errors.New("config param monitor.interval_seconds should be >= 1")
	}
	if cfg.Automation.CooldownSeconds < 0 {
		return nil, errors.New("config param automation.cooldown_seconds should be >= 0")
	}
	if cfg.Automation.AverageWindowSeconds < cfg.Monitor.IntervalSeconds {
		return nil, errors.New("config param automation.average_window_seconds should be >= monitor.interval_seconds")
	}
	if cfg.Storage.FlushThreshold < 1 {
		return nil, errors.New("config param storage.flush_threshold should be >= 1")
	}
	if cfg.Gateway.BatteryCapacityKWH <= 0 {
		return nil, errors.New("config param gateway.battery_capacity_kwh should be > 0")
	}

	return &cfg, nil
}

func gatewayActorProvider(cfg *config.Config, logger *zap.Logger) (actor.GatewayActorProvider, error) {

	var client powerwall.Client
	switch cfg.Gateway.Mode {
	case "simulator":
		sim := powerwall.CreateTestClient()
		sim.SetBatteryCapacityKWH(cfg.Gateway.BatteryCapacityKWH)
		client = sim
	default:
		return nil, fmt.Errorf("unsupported gateway mode %q", cfg.Gateway.Mode)
	}

	return func() *adactor.GatewayActor {
		return adactor.NewGatewayActor(client, logger)
	}, nil
}

func mqttActorProvider(cfg *config.Config, logger *zap.Logger) actor.MQTTActorProvider {
	return func(es *eventstream.EventStream) *adactor.MQTTActor {
		if !cfg.MQTT.Enable {
			return adactor.NewTestMQTTActor(cfg, es, logger)
		}
		return adactor.NewMQTTActor(cfg, es, logger)
	}
}

func storageActorProvider(cfg *config.Config, logger *zap.Logger) actor.StorageActorProvider {
	return func() *adactor.StorageActor {
		return adactor.NewStorageActor(storage.NewSeriesStore(cfg.Storage.DataDir, cfg.Storage.FlushThreshold, logger), logger)
	}
}

func setConfigDefaults() {
	viper.SetDefault("log_level", "info")
	viper.SetDefault("gateway.mode", "simulator")
	viper.SetDefault("gateway.battery_capacity_kwh", 13.5)
	viper.SetDefault("storage.data_dir", "./data")
	viper.SetDefault("storage.flush_threshold", 12)
	viper.SetDefault("monitor.interval_seconds", 5)
	viper.SetDefault("automation.cooldown_seconds", 30)
	viper.SetDefault("automation.average_window_seconds", 20)
	viper.SetDefault("automation.rules_file", "./data/rules.yaml")
	viper.SetDefault("mqtt.enable", false)
	viper.SetDefault("mqtt.ha_discovery_enable", false)
	viper.SetDefault("mqtt.base_topic", "powerwatch")
	viper.SetDefault("mqtt.ha_discovery_topic", "homeassistant")
	viper.SetDefault("port", 8080)
}

func safePrintConfig(cfg config.Config) {
	cfg.MQTT.Username = "*redacted*"
	cfg.MQTT.Password = "*redacted*"
	cfg.Gateway.Password = "*redacted*"
	slog.Info("Using", "config", cfg)
}
