package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	"golang.org/x/time/rate"

	"github.com/hannes/sagi/audit"
	"github.com/hannes/sagi/config"
	"github.com/hannes/sagi/gateway"
	"github.com/hannes/sagi/metrics"
	"github.com/hannes/sagi/oracle"
	"github.com/hannes/sagi/patterns"
	"github.com/hannes/sagi/pipeline"
	"github.com/hannes/sagi/privacy"
	"github.com/hannes/sagi/privacy/detectors"
	"github.com/hannes/sagi/records"
	"github.com/hannes/sagi/server"
)

func main() {
	// .env is optional; the real environment always wins.
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	cfg := config.DefaultConfig()
	cfg.LoadFromEnv()
	if err := cfg.ValidateConfig(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	if cfg.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{Dsn: cfg.SentryDSN}); err != nil {
			log.Printf("Sentry initialization failed: %v", err)
		} else {
			defer sentry.Flush(2 * time.Second)
		}
	}

	pol := patterns.DefaultPolicy()
	if cfg.PolicyPath != "" {
		loaded, err := config.ReadPolicyFile(cfg.PolicyPath)
		if err != nil {
			log.Fatalf("Failed to load extraction policy: %v", err)
		}
		pol = loaded
		log.Printf("Loaded extraction policy from %s", cfg.PolicyPath)
	}

	det, err := buildDetector(cfg)
	if err != nil {
		log.Fatalf("Failed to create detector: %v", err)
	}
	if det != nil {
		defer det.Close()
		log.Printf("Identifier detection enabled with detector: %s", det.GetName())
	}

	ctx := context.Background()

	var archive *privacy.Archive
	if cfg.Privacy.ArchivePath != "" {
		archive, err = privacy.OpenArchive(ctx, cfg.Privacy.ArchivePath)
		if err != nil {
			log.Fatalf("Failed to open mapping archive: %v", err)
		}
		defer archive.Close()
		log.Printf("Mapping archive enabled at %s", cfg.Privacy.ArchivePath)
	}

	tokenizer, err := privacy.NewTokenizer(privacy.Options{
		ScrubMode:           cfg.Privacy.ScrubMode,
		SensitiveCategories: cfg.Privacy.SensitiveCategories,
	}, det, archive)
	if err != nil {
		log.Fatalf("Failed to create tokenizer: %v", err)
	}

	store, closeStore, err := buildStore(cfg)
	if err != nil {
		log.Fatalf("Failed to create record store: %v", err)
	}

	sink, err := buildSink(cfg)
	if err != nil {
		log.Fatalf("Failed to create audit sink: %v", err)
	}
	defer sink.Close()

	client, err := oracle.New(oracle.Config{
		Provider:  cfg.Oracle.Provider,
		Model:     cfg.Oracle.Model,
		APIKey:    cfg.Oracle.APIKey,
		Endpoint:  cfg.Oracle.Endpoint,
		MaxTokens: cfg.Oracle.MaxTokens,
	})
	if err != nil {
		log.Fatalf("Failed to create oracle client: %v", err)
	}

	var limiter *rate.Limiter
	if cfg.Oracle.RatePerMinute > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.Oracle.RatePerMinute)), cfg.Oracle.RatePerMinute)
	}

	met := metrics.New()
	pipe := pipeline.New(store, tokenizer, client, det, audit.NewLog(sink), met, pipeline.Config{
		WindowDays:               cfg.WindowDays,
		DegradedConfidenceFactor: cfg.DegradedConfidenceFactor,
		Policy:                   pol,
		Gateway: gateway.Config{
			Timeout:         time.Duration(cfg.Oracle.TimeoutSecs) * time.Second,
			Limiter:         limiter,
			ConfidenceFloor: cfg.Privacy.ConfidenceFloor,
		},
	})

	if archive != nil && cfg.Privacy.ArchiveRetentionHours > 0 {
		go pruneArchive(ctx, archive, time.Duration(cfg.Privacy.ArchiveRetentionHours)*time.Hour)
	}

	srv := server.NewServer(cfg.ListenAddr, pipe, met)

	log.Printf("Oracle provider: %s", client.GetName())
	if cfg.Database.Enabled {
		log.Println("Database storage enabled")
	} else {
		log.Println("Using in-memory storage")
	}
	log.Printf("Audit sink: %s", cfg.Audit.Sink)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server failed: %v", err)
		}
	case sig := <-stop:
		log.Printf("Received %s, shutting down", sig)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("Shutdown did not complete cleanly: %v", err)
		}
	}

	if closeStore != nil {
		if err := closeStore(); err != nil {
			log.Printf("Failed to close record store: %v", err)
		}
	}
}

// buildDetector constructs the configured identifier detector through
// the factory registry. Selecting none disables the second validation
// line at the gateway and forbids the redact scrub mode.
func buildDetector(cfg *config.Config) (detectors.Detector, error) {
	if cfg.Privacy.DetectorName == "none" {
		return nil, nil
	}

	detectorConfig := make(map[string]interface{})
	if cfg.Privacy.DetectorName == detectors.DetectorNameONNX {
		detectorConfig["model_path"] = cfg.Privacy.ONNXModelPath
		detectorConfig["tokenizer_path"] = cfg.Privacy.TokenizerPath
		detectorConfig["labels_path"] = cfg.Privacy.LabelsPath
		detectorConfig["confidence_floor"] = cfg.Privacy.ConfidenceFloor
	}
	return detectors.NewDetector(cfg.Privacy.DetectorName, detectorConfig)
}

func buildStore(cfg *config.Config) (records.Store, func() error, error) {
	if !cfg.Database.Enabled {
		return records.NewMemoryStore(), nil, nil
	}
	pg, err := records.NewPGStore(records.PGConfig{
		Host:         cfg.Database.Host,
		Port:         cfg.Database.Port,
		Database:     cfg.Database.Database,
		Username:     cfg.Database.Username,
		Password:     cfg.Database.Password,
		SSLMode:      cfg.Database.SSLMode,
		MaxOpenConns: cfg.Database.MaxOpenConns,
		MaxIdleConns: cfg.Database.MaxIdleConns,
		MaxLifetime:  time.Duration(cfg.Database.MaxLifetime) * time.Second,
	})
	if err != nil {
		return nil, nil, err
	}
	return pg, pg.Close, nil
}

func buildSink(cfg *config.Config) (audit.Sink, error) {
	switch cfg.Audit.Sink {
	case "file":
		sink, err := audit.NewFileSink(cfg.Audit.FilePath)
		if err != nil {
			return nil, err
		}
		return sink, nil
	case "postgres":
		sink, err := audit.NewPGSink(audit.PGConfig{
			Host:         cfg.Database.Host,
			Port:         cfg.Database.Port,
			Database:     cfg.Database.Database,
			Username:     cfg.Database.Username,
			Password:     cfg.Database.Password,
			SSLMode:      cfg.Database.SSLMode,
			MaxOpenConns: cfg.Database.MaxOpenConns,
			MaxIdleConns: cfg.Database.MaxIdleConns,
			MaxLifetime:  time.Duration(cfg.Database.MaxLifetime) * time.Second,
		})
		if err != nil {
			return nil, err
		}
		return sink, nil
	default:
		return audit.NewMemorySink(), nil
	}
}

// pruneArchive deletes expired archive mappings on an hourly cadence.
func pruneArchive(ctx context.Context, archive *privacy.Archive, retention time.Duration) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for range ticker.C {
		removed, err := archive.Prune(ctx, retention)
		if err != nil {
			log.Printf("Archive prune failed: %v", err)
			continue
		}
		if removed > 0 {
			log.Printf("Pruned %d expired archive mappings", removed)
		}
	}
}
