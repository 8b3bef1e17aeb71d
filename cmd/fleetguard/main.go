package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/vigilops/fleetguard/pkg/alerting"
	"github.com/vigilops/fleetguard/pkg/analytics/baseline"
	"github.com/vigilops/fleetguard/pkg/analytics/detector"
	"github.com/vigilops/fleetguard/pkg/analytics/engine"
	"github.com/vigilops/fleetguard/pkg/api"
	"github.com/vigilops/fleetguard/pkg/config"
	"github.com/vigilops/fleetguard/pkg/logger"
	"github.com/vigilops/fleetguard/pkg/risk"
	"github.com/vigilops/fleetguard/pkg/store"
	"github.com/vigilops/fleetguard/pkg/telemetry"
)

func main() {
	// Load configuration first
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// Initialize logger based on config
	logger.InitLogger(cfg.LogLevel)

	log.Info().Msg("FleetGuard application starting...")
	log.Info().Msgf("Configuration loaded: LogLevel=%s, APIPort=%s", cfg.LogLevel, cfg.APIPort)

	deviceID := cfg.Collector.DeviceID
	if deviceID == "" {
		hostname, err := os.Hostname()
		if err != nil {
			log.Fatal().Err(err).Msg("No device ID configured and hostname unavailable")
		}
		deviceID = hostname
	}

	interval, err := time.ParseDuration(cfg.Collector.Interval)
	if err != nil {
		log.Fatal().Err(err).Msgf("Invalid collector interval %q", cfg.Collector.Interval)
	}

	// Create a context that can be cancelled
	ctx, cancel := context.WithCancel(context.Background())

	// Set up a channel to listen for OS signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Goroutine to handle graceful shutdown
	go func() {
		sig := <-sigChan
		log.Info().Msgf("Received signal: %s. Shutting down gracefully...", sig)
		cancel()
	}()

	// Assemble the scoring core
	memStore := store.NewMemoryStore()

	builderCfg := baseline.BuilderConfig{
		LearningWindow: cfg.Analytics.LearningWindow(),
		MinSamples:     cfg.Analytics.MinSamples,
		MaxAge:         cfg.Analytics.BaselineMaxAge(),
		TopNetworks:    cfg.Analytics.TopNetworks,
		TopProcesses:   cfg.Analytics.TopProcesses,
	}
	builder, err := baseline.NewBuilder(memStore, memStore, builderCfg, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create baseline builder")
	}

	ruleDetector := detector.NewRuleDetector(detector.RuleThresholds{
		FailedAuthLimit:  cfg.Analytics.FailedAuthLimit,
		ConnectionLimit:  cfg.Analytics.ConnectionLimit,
		DiskUsageLimit:   cfg.Analytics.DiskUsageLimit,
		DisabledControls: 2,
	}, log.Logger)

	statDetector, err := detector.NewStatisticalDetector(memStore, cfg.Analytics.ZScoreThreshold, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create statistical detector")
	}

	modelDetector, err := detector.NewModelDetector(detector.HeuristicScorer{}, cfg.Analytics.ModelThreshold, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create model detector")
	}

	registry := prometheus.NewRegistry()
	eng, err := engine.New(builder, []detector.Detector{ruleDetector, statDetector, modelDetector}, registry, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create detection engine")
	}

	assessor, err := risk.NewAssessor(risk.Config{
		Weights:          cfg.Risk.Weights,
		Thresholds:       cfg.Risk.Thresholds,
		MinimumOSVersion: cfg.Risk.MinimumOSVersion,
		TrustedNetworks:  cfg.Risk.TrustedNetworks,
	}, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create risk assessor")
	}

	alerter := alerting.New(
		[]alerting.Sink{alerting.NewLogSink(log.Logger)},
		detector.ParseSeverity(cfg.Alerting.MinAnomalySeverity),
		parseLevel(cfg.Alerting.MinRiskLevel),
		log.Logger,
	)

	collector := telemetry.NewCollector(log.Logger)

	// Start API server in a goroutine
	go api.StartAPIServer(cfg.APIPort, eng, registry)

	// Self-sampling loop: collect, score, assess, alert.
	go func() {
		runLog := logger.Component("runner")
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			runCycle(ctx, runLog, deviceID, collector, memStore, eng, assessor, alerter)
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
		}
	}()

	<-ctx.Done()

	log.Info().Msg("FleetGuard application stopped.")
	time.Sleep(1 * time.Second) // Give some time for cleanup
}

func runCycle(
	ctx context.Context,
	runLog zerolog.Logger,
	deviceID string,
	collector *telemetry.Collector,
	memStore *store.MemoryStore,
	eng *engine.Engine,
	assessor *risk.Assessor,
	alerter *alerting.Alerter,
) {
	sample := collector.Collect(ctx, deviceID)

	if err := memStore.AppendSample(ctx, sample); err != nil {
		runLog.Error().Err(err).Msg("Failed to persist sample")
	}

	anomalies, err := eng.Process(ctx, deviceID, sample)
	if err != nil {
		runLog.Error().Err(err).Msg("Detection failed for this cycle")
	} else {
		alerter.DispatchAnomalies(ctx, anomalies)
	}

	history := deviceHistory(ctx, memStore, deviceID, sample)
	assessment := assessor.Assess(sample, nil, nil, history)
	alerter.DispatchAssessment(ctx, assessment)
}

// deviceHistory returns behavioral context once the device has prior
// samples; a brand-new device assesses without the behavioral dimension.
func deviceHistory(ctx context.Context, memStore *store.MemoryStore, deviceID string, current *telemetry.Sample) *risk.History {
	past, err := memStore.ListSamples(ctx, deviceID, time.Time{}, current.CollectedAt.Add(-time.Second))
	if err != nil || len(past) == 0 {
		return nil
	}
	return &risk.History{Samples: past}
}

func parseLevel(raw string) risk.Level {
	switch raw {
	case "critical":
		return risk.LevelCritical
	case "high":
		return risk.LevelHigh
	case "medium":
		return risk.LevelMedium
	default:
		return risk.LevelLow
	}
}
