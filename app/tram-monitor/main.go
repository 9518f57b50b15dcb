package main

import (
	"context"
	"fmt"
	logger "log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ardanlabs/conf"
	"github.com/empsgit/tram-monitor-ekb/app/tram-monitor/api"
	"github.com/empsgit/tram-monitor-ekb/app/tram-monitor/monitor"
	"github.com/empsgit/tram-monitor-ekb/business/broadcast"
	"github.com/empsgit/tram-monitor-ekb/business/geometry"
	"github.com/empsgit/tram-monitor-ekb/business/routematch"
	"github.com/empsgit/tram-monitor-ekb/business/stopdetect"
	"github.com/empsgit/tram-monitor-ekb/business/upstream"
	"github.com/empsgit/tram-monitor-ekb/foundation/database"
	"github.com/nats-io/nats.go"
)

var build = "develop"

func main() {
	log := logger.New(os.Stdout, "TRAM_MONITOR : ", logger.LstdFlags|logger.Lmicroseconds|logger.Lshortfile)
	if err := run(log); err != nil {
		log.Printf("main: error: %v", err)
		os.Exit(1)
	}
}

// config mirrors the expanded spec's documented Config struct: database,
// NATS, HTTP, upstream feed, and tuning knobs, all with the spec's defaults.
type config struct {
	conf.Version
	DB struct {
		User       string `conf:"default:postgres"`
		Password   string `conf:"default:postgres,noprint"`
		Host       string `conf:"default:0.0.0.0"`
		Name       string `conf:"default:postgres"`
		DisableTLS bool   `conf:"default:true"`
	}
	NATS struct {
		URL string `conf:"default:nats://127.0.0.1:4222"`
	}
	HTTP struct {
		Addr string `conf:"default:0.0.0.0:8080"`
	}
	Tram struct {
		UpstreamBaseURL       string `conf:"default:https://map.ettu.ru"`
		OsmBaseURL            string `conf:"default:"`
		OsrmBaseURL           string `conf:"default:"`
		PollIntervalSeconds   int    `conf:"default:10"`
		RouteRefreshHours     int    `conf:"default:1"`
		PositionRetentionDays int    `conf:"default:90"`
	}
	Tuning struct {
		MaxApplySnapDistanceM   float64 `conf:"default:60"`
		MaxFinalSnapErrorM      float64 `conf:"default:80"`
		SectionBoundProjectionM float64 `conf:"default:120"`
		GhostTTLSeconds         int     `conf:"default:120"`
		MaxSnapDistanceM        float64 `conf:"default:300"`
		CoursePenalty           float64 `conf:"default:500000"`
		StickinessPenalty       float64 `conf:"default:200000"`
		MinProbeM               float64 `conf:"default:5"`
		ProbeFraction           float64 `conf:"default:0.35"`
		ProbeEqualityEpsilonM   float64 `conf:"default:5"`
		MinEtaSpeedKmh          float64 `conf:"default:5"`
		MaxEtaSeconds           int     `conf:"default:3600"`
	}
}

func run(log *logger.Logger) error {
	var cfg config
	cfg.Version.SVN = build
	cfg.Version.Desc = "Track live tram positions and serve route progress over HTTP and WebSocket"
	const prefix = "MONITOR"
	if err := conf.Parse(os.Args[1:], prefix, &cfg); err != nil {
		switch err {
		case conf.ErrHelpWanted:
			usage, err := conf.Usage(prefix, &cfg)
			if err != nil {
				return fmt.Errorf("generating config usage: %w", err)
			}
			fmt.Println(usage)
			return nil
		case conf.ErrVersionWanted:
			version, err := conf.VersionString(prefix, &cfg)
			if err != nil {
				return fmt.Errorf("generating config version: %w", err)
			}
			fmt.Println(version)
			return nil
		}
		return fmt.Errorf("parsing config: %w", err)
	}

	log.Printf("main: Started : Application initializing : version %s", build)
	defer log.Println("main: Completed")

	out, err := conf.String(&cfg)
	if err != nil {
		return fmt.Errorf("generating config for output: %w", err)
	}
	log.Printf("main: Config :\n%v\n", out)

	log.Println("main: Initializing database support")
	db, err := database.Open(database.Config{
		User:       cfg.DB.User,
		Password:   cfg.DB.Password,
		Host:       cfg.DB.Host,
		Name:       cfg.DB.Name,
		DisableTLS: cfg.DB.DisableTLS,
	})
	if err != nil {
		return fmt.Errorf("connecting to db: %w", err)
	}
	defer func() {
		log.Printf("main: Database Stopping : %s", cfg.DB.Host)
		if err := db.Close(); err != nil {
			log.Printf("main: error closing database: %v", err)
		}
	}()

	log.Printf("main: Connecting to NATS at %s", cfg.NATS.URL)
	nc, err := nats.Connect(cfg.NATS.URL)
	if err != nil {
		return fmt.Errorf("connecting to nats: %w", err)
	}
	defer nc.Close()

	caster, err := broadcast.New(nc)
	if err != nil {
		return fmt.Errorf("initializing broadcaster: %w", err)
	}

	tuning := monitor.Tuning{
		MaxApplySnapDistanceM:   cfg.Tuning.MaxApplySnapDistanceM,
		MaxFinalSnapErrorM:      cfg.Tuning.MaxFinalSnapErrorM,
		SectionBoundProjectionM: cfg.Tuning.SectionBoundProjectionM,
		GhostTTL:                time.Duration(cfg.Tuning.GhostTTLSeconds) * time.Second,
		MinEtaSpeedKmh:          cfg.Tuning.MinEtaSpeedKmh,
		MaxEtaSeconds:           cfg.Tuning.MaxEtaSeconds,
	}

	stopDetectTuning := stopdetect.Tuning{
		CoursePenalty:         cfg.Tuning.CoursePenalty,
		StickinessPenalty:     cfg.Tuning.StickinessPenalty,
		MinProbeM:             cfg.Tuning.MinProbeM,
		ProbeFraction:         cfg.Tuning.ProbeFraction,
		ProbeEqualityEpsilonM: cfg.Tuning.ProbeEqualityEpsilonM,
	}

	tracker := monitor.NewTracker(
		log,
		db,
		upstream.NewClient(cfg.Tram.UpstreamBaseURL),
		geometry.NewProvider(db, cfg.Tram.OsmBaseURL, cfg.Tram.OsrmBaseURL, log),
		routematch.NewStoreWithMaxSnapDistance(cfg.Tuning.MaxSnapDistanceM),
		stopdetect.NewStoreWithTuning(stopDetectTuning),
		caster,
		tuning,
	)

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := api.NewServer(cfg.HTTP.Addr, log, tracker, caster)
	go api.Run(ctx, server, log)

	monitor.Run(ctx, tracker,
		time.Duration(cfg.Tram.PollIntervalSeconds)*time.Second,
		time.Duration(cfg.Tram.RouteRefreshHours)*time.Hour,
		shutdown)

	cancel()
	return nil
}
