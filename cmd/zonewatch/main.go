package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/yegors/zonewatch/internal/adsb"
	"github.com/yegors/zonewatch/internal/api"
	"github.com/yegors/zonewatch/internal/config"
	"github.com/yegors/zonewatch/internal/dispatch"
	"github.com/yegors/zonewatch/internal/geofence"
	"github.com/yegors/zonewatch/internal/ingest"
	"github.com/yegors/zonewatch/internal/notify"
	"github.com/yegors/zonewatch/internal/ops"
	"github.com/yegors/zonewatch/internal/physics"
	"github.com/yegors/zonewatch/internal/proximity"
	"github.com/yegors/zonewatch/internal/simulation"
	"github.com/yegors/zonewatch/internal/storage/sqlite"
	"github.com/yegors/zonewatch/internal/tracking"
	"github.com/yegors/zonewatch/internal/websocket"
	"github.com/yegors/zonewatch/pkg/logger"
)

var (
	// Version is injected at build time
	Version = "dev"
)

const aircraftIDCacheSize = 4096

func main() {
	configPath := flag.String("config", "", "Path to configuration file (optional - will search in configs/ and root directory)")
	host := flag.String("host", "", "Feed host (overrides config and disables url polling)")
	port := flag.Int("port", 0, "Feed port (overrides config)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	selfTest := flag.Bool("test", false, "Inject the self-test aircraft")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] [geofence.kml|geofence.geojson ...]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	cfg, err := config.LoadWithFallback(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	if *host != "" {
		cfg.Feed.Host = *host
		cfg.Feed.URL = ""
	}
	if *port != 0 {
		cfg.Feed.Port = *port
	}
	if *debug {
		cfg.Logging.Level = "debug"
	}
	if *selfTest {
		cfg.SelfTest.Enabled = true
	}
	if flag.NArg() > 0 {
		cfg.Geofence.Files = flag.Args()
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Error("Fatal error", logger.Error(err))
		log.Sync()
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *logger.Logger) error {
	log.Info("Starting zonewatch",
		logger.String("version", Version),
		logger.String("config_path", cfg.Path),
		logger.String("feed", feedName(cfg.Feed)),
		logger.Any("geofences", cfg.Geofence.Files))

	sets, err := geofence.LoadFiles(cfg.Geofence.Files)
	if err != nil {
		return fmt.Errorf("failed to load geofences: %w", err)
	}
	for i, s := range sets {
		vertices := s.Vertices()
		sets[i] = s.Simplify(cfg.Geofence.SimplifyToleranceDeg)
		log.Info("Loaded zone set",
			logger.String("name", s.Name),
			logger.Int("zones", s.Len()),
			logger.Int("vertices", vertices),
			logger.Int("simplified_vertices", sets[i].Vertices()))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Collaborator jobs outlive the main context so shutdown can flush them
	pool := dispatch.NewPool(cfg.Dispatch.Workers, cfg.Dispatch.QueueSize, log)
	pool.Start(context.Background())
	defer pool.Stop()

	var (
		hooks tracking.MultiHooks
		sinks proximity.Sinks
	)

	var sim *simulation.Service
	var injector ingest.Injector
	if cfg.SelfTest.Enabled {
		sim = simulation.NewService(simulation.Config{
			Latitude:   cfg.SelfTest.Latitude,
			Longitude:  cfg.SelfTest.Longitude,
			AltitudeFt: cfg.SelfTest.AltitudeFt,
			Heading:    cfg.SelfTest.Heading,
			SpeedKts:   cfg.SelfTest.SpeedKts,
		}, log)
		injector = sim
		hooks = append(hooks, simulation.Hooks{})
	}

	var journal *sqlite.Journal
	if cfg.Storage.SQLitePath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Storage.SQLitePath), 0755); err != nil {
			return fmt.Errorf("failed to create database directory: %w", err)
		}
		journal, err = sqlite.NewJournal(cfg.Storage.SQLitePath, log)
		if err != nil {
			return fmt.Errorf("failed to open journal: %w", err)
		}
		defer journal.Close()

		pusher, err := ops.NewPusher(journal, pool, aircraftIDCacheSize, log)
		if err != nil {
			return err
		}
		hooks = append(hooks, pusher)
		sinks = append(sinks, pusher)
	} else {
		log.Info("Operations journal disabled")
	}

	var wsServer *websocket.Server
	if cfg.Server.Enabled {
		wsServer = websocket.NewServer(cfg.Server.CORSAllowedOrigins, log)
		hooks = append(hooks, wsServer)
		sinks = append(sinks, wsServer)
	}

	if cfg.Notify.SlackWebhookURL != "" {
		slack := notify.NewSlack(notify.Config{
			WebhookURL:      cfg.Notify.SlackWebhookURL,
			Keywords:        cfg.Notify.Keywords,
			ProximityAlerts: cfg.Notify.ProximityAlerts,
			Timeout:         cfg.Notify.Timeout(),
		}, pool, log)
		hooks = append(hooks, slack)
		sinks = append(sinks, slack)
	}

	clock := ingest.NewStreamClock()
	tracker := proximity.NewTracker(proximity.Config{
		Quiescence:    cfg.Proximity.Quiescence(),
		ReapInterval:  cfg.Proximity.ReapInterval(),
		StreamTimeNow: clock.Now,
	}, sinks, pool, log)
	hooks = append(hooks, proximity.Hooks{Tracker: tracker})

	opts := tracking.Options{
		ExpireAfter:    cfg.Tracking.ExpireAfter(),
		FreshWithin:    cfg.Tracking.FreshWithin(),
		SeparationFt:   cfg.Proximity.SeparationFt,
		MinAltitudeFt:  cfg.Proximity.MinAltitudeFt,
		LateralNM:      cfg.Proximity.LateralNM,
		AltitudeWindow: cfg.Tracking.AltitudeWindow,
	}
	if cfg.Geofence.MagneticHeadings {
		// the registry calls Heading under its lock, so the cache needs no locking of its own
		variation := physics.NewMagneticVariationCache()
		opts.Heading = func(s adsb.Sample) float64 {
			return physics.TrueToMagnetic(s.Track, variation.Declination(s.Lat, s.Lon, s.Time))
		}
	}
	registry := tracking.NewRegistry(sets, hooks, opts, log)

	var source ingest.Source = ingest.NewTCPSource(cfg.Feed.Host, cfg.Feed.Port, cfg.Feed.DialTimeout())
	if cfg.Feed.URL != "" {
		source = ingest.NewPollSource(adsb.NewClient(cfg.Feed.URL, cfg.Feed.DialTimeout(), log), cfg.Feed.PollInterval())
	}
	loop := ingest.NewLoop(source, registry, clock, injector, ingest.Config{
		MaintenanceInterval: cfg.Tracking.MaintenanceInterval(),
		SelfTestInterval:    cfg.SelfTest.Interval(),
		ReconnectDelay:      cfg.Feed.ReconnectDelay(),
		MaxReconnectDelay:   cfg.Feed.MaxReconnectDelay(),
		MaxClockSkew:        cfg.Feed.MaxClockSkew(),
		Checkpoint: func() []logger.Field {
			stats := pool.Stats()
			fields := []logger.Field{
				logger.Int("proximity_open", tracker.Len()),
				logger.Int("dispatch_queued", stats.Queued),
				logger.Int64("dispatch_dropped", stats.Dropped),
			}
			if wsServer != nil {
				fields = append(fields, logger.Int("ws_clients", wsServer.ClientCount()))
			}
			return fields
		},
	}, log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return loop.Run(gctx) })
	g.Go(func() error { return tracker.Run(gctx) })

	if cfg.Server.Enabled {
		handler := api.NewHandler(registry, tracker, loop, pool, journal, wsServer, Version, log)
		if sim != nil {
			handler.SetSimulation(sim)
		}
		router := api.NewRouter(handler, cfg.Server.CORSAllowedOrigins, log)

		server := &http.Server{
			Addr:         cfg.Server.Addr(),
			Handler:      router.Routes(),
			ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSecs) * time.Second,
			WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSecs) * time.Second,
			IdleTimeout:  time.Duration(cfg.Server.IdleTimeoutSecs) * time.Second,
		}

		g.Go(func() error { return wsServer.Run(gctx) })
		g.Go(func() error {
			log.Info("Starting HTTP server", logger.String("addr", server.Addr))
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server on %s: %w", server.Addr, err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				log.Error("HTTP server shutdown error", logger.String("addr", server.Addr), logger.Error(err))
			}
			return nil
		})
	}

	err = g.Wait()
	log.Info("Shutting down...")

	// Close out every open event so the journal rows are final. Pending
	// creates finish first so each finalize carries its row handle.
	if now := clock.Now(); !now.IsZero() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		n, ferr := tracker.Flush(flushCtx, now.Add(cfg.Proximity.Quiescence()+time.Second))
		cancel()
		if ferr != nil {
			log.Warn("Proximity events left open", logger.Int("open", tracker.Len()), logger.Error(ferr))
		}
		if n > 0 {
			log.Info("Finalized open proximity events", logger.Int("count", n))
		}
	}
	pool.Stop()

	log.Info("Stopped",
		logger.Int("tracks", registry.Len()),
		logger.Any("feed", loop.Stats()))
	return err
}

func feedName(c config.FeedConfig) string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
