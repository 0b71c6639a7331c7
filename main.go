package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hefeijay/aquagateway/pkg/config"
	"github.com/hefeijay/aquagateway/pkg/device"
	"github.com/hefeijay/aquagateway/pkg/expert"
	"github.com/hefeijay/aquagateway/pkg/llm"
	_ "github.com/hefeijay/aquagateway/pkg/llm/gemini"
	_ "github.com/hefeijay/aquagateway/pkg/llm/ollama"
	_ "github.com/hefeijay/aquagateway/pkg/llm/openailm"
	"github.com/hefeijay/aquagateway/pkg/monitor"
	"github.com/hefeijay/aquagateway/pkg/pipeline"
	"github.com/hefeijay/aquagateway/pkg/server"
	"github.com/hefeijay/aquagateway/pkg/store"
	"github.com/hefeijay/aquagateway/pkg/weather"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sysCfg := config.LoadSystemConfig("system.json")
	level := sysCfg.LogLevel
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		level = v
	}
	mon := monitor.SetupEnvironment(level)
	if err := mon.Start(); err != nil {
		slog.Warn("monitor failed to start, continuing without it", "error", err)
		mon = nil
	}
	defer func() {
		if mon != nil {
			_ = mon.Stop()
		}
	}()

	reloadCh := config.WatchConfig(ctx, "system.json")
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-reloadCh:
				fresh := config.LoadSystemConfig("system.json")
				*sysCfg = *fresh
				slog.Info("system configuration reloaded", "expert_stream_policy", sysCfg.ExpertStreamPolicy)
			}
		}
	}()

	for {
		err := runGateway(ctx, sysCfg, mon)
		if err == nil {
			return
		}

		slog.Error("gateway crashed, restarting in 5s", "error", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(5 * time.Second):
		}
	}
}

// runGateway wires the request pipeline and session server together and
// runs until ctx is canceled or the server fails.
func runGateway(ctx context.Context, sysCfg *config.SystemConfig, mon monitor.Monitor) error {
	env, err := config.LoadEnv()
	if err != nil {
		return fmt.Errorf("failed to load environment configuration: %w", err)
	}

	db, err := store.Open(ctx, env)
	if err != nil {
		return fmt.Errorf("failed to connect to mysql: %w", err)
	}
	defer db.Close()

	history := store.NewHistoryStore(db)
	sessions := store.NewSessionStore(db, config.DefaultSessionConfig(env))

	client, err := llm.NewFromEnv(env, sysCfg)
	if err != nil {
		return fmt.Errorf("failed to init llm client: %w", err)
	}

	expertTimeout := time.Duration(sysCfg.ExpertTimeoutMs) * time.Millisecond
	if env.ExpertAPITimeout > 0 {
		expertTimeout = time.Duration(env.ExpertAPITimeout) * time.Second
	}
	expertClient := expert.NewClient(expert.Config{
		BaseURL: env.ExpertAPIBaseURL,
		APIKey:  env.ExpertAPIKey,
		Timeout: expertTimeout,
		Enabled: env.EnableExpert,
	})

	var weatherProvider weather.Provider = weather.NoopProvider{}
	if env.WeatherAPIBaseURL != "" {
		weatherProvider = weather.NewHTTPProvider(env.WeatherAPIBaseURL)
	}

	var deviceController device.Controller = device.NewHTTPController(env.DeviceAPIBaseURL)

	orchestrator := pipeline.NewOrchestrator(pipeline.Dependencies{
		History: history,
		LLM:     client,
		Expert:  expertClient,
		Weather: weatherProvider,
		Device:  deviceController,
		SysCfg:  sysCfg,
	})

	addr := env.Host + ":" + env.Port
	srv := server.New(addr, sysCfg, sessions, history, orchestrator, mon)

	slog.Info("aquagateway starting", "addr", addr, "llm_provider", env.LLMProvider)
	return srv.Run(ctx)
}
