package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/fieldgrid/fieldhub/internal/alert"
	"github.com/fieldgrid/fieldhub/internal/api"
	"github.com/fieldgrid/fieldhub/internal/commands"
	"github.com/fieldgrid/fieldhub/internal/config"
	"github.com/fieldgrid/fieldhub/internal/hub"
	"github.com/fieldgrid/fieldhub/internal/logger"
	"github.com/fieldgrid/fieldhub/internal/metrics"
	"github.com/fieldgrid/fieldhub/internal/pipeline"
	"github.com/fieldgrid/fieldhub/internal/serialmux"
	"github.com/fieldgrid/fieldhub/internal/store"
	"github.com/fieldgrid/fieldhub/internal/timeutil"
	"github.com/fieldgrid/fieldhub/internal/version"
)

var (
	configPath = flag.String("config", config.DefaultConfigFilename, "Path to YAML config file")
	devMode    = flag.Bool("dev", false, "Replay fixtures.txt instead of opening the serial port")
	listenFlag = flag.String("listen", "", "Listen address (overrides config)")
	logLevel   = flag.String("log-level", "", "Log level (overrides config)")
)

// replayInterval paces fixture lines in dev mode roughly like a live
// dongle under a full sensor load.
const replayInterval = 50 * time.Millisecond

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		// Logger is not configured yet; fall back to stderr.
		os.Stderr.WriteString("failed to load config: " + err.Error() + "\n")
		os.Exit(1)
	}
	if *listenFlag != "" {
		cfg.Listen = *listenFlag
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	level, ok := logger.ParseLevel(cfg.LogLevel)
	if !ok {
		os.Stderr.WriteString("unknown log level " + cfg.LogLevel + "\n")
		os.Exit(1)
	}
	log := logger.New(level)
	defer log.Sync()

	log.Infow("fieldhub starting", "version", version.String(), "listen", cfg.Listen, "dev", *devMode)

	loc, err := cfg.Location()
	if err != nil {
		log.Fatalw("invalid timezone", "timezone", cfg.Timezone, "err", err)
	}

	var mux *serialmux.Mux
	if *devMode {
		data, err := os.ReadFile("fixtures.txt")
		if err != nil {
			log.Fatalw("failed to open fixtures file", "err", err)
		}
		mux = serialmux.NewReplayMux(data, replayInterval)
	} else {
		mux, err = serialmux.OpenReal(cfg.Serial.Port, serialmux.PortOptions{
			BaudRate: cfg.Serial.BaudRate,
			DataBits: cfg.Serial.DataBits,
			StopBits: cfg.Serial.StopBits,
			Parity:   cfg.Serial.Parity,
		})
		if err != nil {
			log.Fatalw("failed to open serial port", "port", cfg.Serial.Port, "err", err)
		}
	}
	defer mux.Close()

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Fatalw("failed to open database", "path", cfg.DBPath, "err", err)
	}
	defer st.Close()

	m := metrics.New()
	wsHub := hub.New(log)

	// Subscribers learn ingestion has resumed the moment a gate holder
	// releases.
	gate := pipeline.NewGate(func() {
		wsHub.Broadcast(pipeline.NewProcessingEnabled())
	})

	clock := timeutil.RealClock{}

	pipe := pipeline.New(pipeline.Options{
		Gate:        gate,
		Store:       st,
		Broadcaster: wsHub,
		Clock:       clock,
		Metrics:     m,
		Log:         log,
	})

	engine := alert.New(alert.Options{
		Rules:       alert.DefaultRules(cfg.Alerts.BatteryMinVolts, cfg.Alerts.TempMin, cfg.Alerts.TempMax),
		Dispatcher:  alert.LogDispatcher{Log: log},
		States:      pipe,
		Clock:       clock,
		Location:    loc,
		StaleAfter:  cfg.Alerts.StaleAfter,
		DeadmanHour: cfg.Alerts.DeadmanHour,
		Metrics:     m,
		Log:         log,
	})
	pipe.SetEvaluator(engine)

	commands.New(st, gate, mux, clock, log).Register(wsHub)

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// run the monitor routine to manage IO on the serial port
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := mux.Monitor(ctx); err != nil && err != context.Canceled {
			log.Errorw("serial monitor failed", "err", err)
		}
		log.Infow("monitor routine terminated")
	}()

	// single consumer: all capture and gate state is owned by this routine
	wg.Add(1)
	go func() {
		defer wg.Done()
		id, c := mux.Subscribe()
		defer mux.Unsubscribe(id)
		pipe.Run(ctx, c)
		log.Infow("pipeline routine terminated")
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		engine.Run(ctx)
		log.Infow("alert routine terminated")
	}()

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		handler := api.LoggingMiddleware(
			api.NewServer(st, wsHub, gate, m, log).ServeMux(),
		)
		server := &http.Server{
			Addr:    cfg.Listen,
			Handler: handler,
		}

		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalw("failed to start server", "err", err)
			}
		}()

		<-ctx.Done()
		log.Infow("shutting down HTTP server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Errorw("HTTP server shutdown error", "err", err)
		}
		wsHub.Close()
	}()

	wg.Wait()
	log.Infow("graceful shutdown complete")
}
