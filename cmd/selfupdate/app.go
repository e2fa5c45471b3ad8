package main

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"sync"

	"github.com/breeze-rmm/selfupdate/internal/config"
	"github.com/breeze-rmm/selfupdate/internal/hashcache"
	"github.com/breeze-rmm/selfupdate/internal/health"
	"github.com/breeze-rmm/selfupdate/internal/httputil"
	"github.com/breeze-rmm/selfupdate/internal/kvstore"
	"github.com/breeze-rmm/selfupdate/internal/logging"
	"github.com/breeze-rmm/selfupdate/internal/manifest"
	"github.com/breeze-rmm/selfupdate/internal/source"
	"github.com/breeze-rmm/selfupdate/internal/staging"
	"github.com/breeze-rmm/selfupdate/internal/transfer"
	"github.com/breeze-rmm/selfupdate/internal/trust"
	"github.com/breeze-rmm/selfupdate/internal/updater"
)

var log = logging.L("main")

// app holds the wired components for one process.
type app struct {
	cfg     *config.Config
	store   kvstore.Store
	updater *updater.Updater
	health  *health.Monitor
	closers []io.Closer
	logFile *logging.RotatingWriter

	mu         sync.RWMutex
	configured string
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	applyFlags(cfg)
	return cfg, nil
}

func applyFlags(cfg *config.Config) {
	if installDir != "" {
		cfg.InstallDir = installDir
	}
}

func setupLogging(cfg *config.Config) (*logging.RotatingWriter, error) {
	if cfg.LogFile == "" {
		logging.Init(cfg.LogFormat, cfg.LogLevel, nil)
		return nil, nil
	}
	return logging.InitFile(cfg.LogFormat, cfg.LogLevel, cfg.LogFile, cfg.LogMaxSizeMB, cfg.LogMaxBackups)
}

// newApp validates cfg and wires every component.
func newApp(cfg *config.Config) (*app, error) {
	result := cfg.ValidateTiered()
	for _, w := range result.Warnings {
		log.Warn("config validation", logging.KeyError, w)
	}
	if result.HasFatals() {
		return nil, fmt.Errorf("invalid config: %w", errors.Join(result.Fatals...))
	}

	logFile, err := setupLogging(cfg)
	if err != nil {
		return nil, err
	}

	root, err := filepath.Abs(cfg.InstallDir)
	if err != nil {
		return nil, fmt.Errorf("resolve install dir: %w", err)
	}

	store, err := kvstore.Open(cfg.StateBackend, cfg.ResolvedStatePath())
	if err != nil {
		return nil, err
	}
	if err := store.Load(); err != nil {
		store.Close()
		return nil, err
	}

	cache, err := hashcache.New(store, root, hashcache.Algorithm(strings.ToLower(cfg.HashAlgorithm)))
	if err != nil {
		store.Close()
		return nil, err
	}

	committer := staging.New(root, cache, store,
		trust.New(cfg.TrustExtensions, cfg.TrustAllowlist),
		staging.Options{MoveAttempts: cfg.MoveAttempts, MoveBudget: cfg.MoveBudget()},
	)

	a := &app{cfg: cfg, store: store, health: health.NewMonitor(), logFile: logFile, configured: cfg.ReleaseStream}
	mux := source.NewMux(source.NewHTTPSource(cfg.ResponseTimeout()))
	a.registerSources(mux)

	fetcher := transfer.New(mux, transfer.Config{
		Attempts:     cfg.TransferAttempts,
		RetryDelay:   cfg.RetryDelay(),
		StallTimeout: cfg.StallTimeout(),
	})
	api := manifest.NewClient(cfg.UpdateURL, &http.Client{Timeout: cfg.ResponseTimeout()}, httputil.DefaultRetryConfig())

	deps := make([]updater.Dependency, 0, len(cfg.RequiredRuntime))
	for _, entry := range cfg.RequiredRuntime {
		deps = append(deps, updater.ParseDependency(entry))
	}

	a.updater, err = updater.New(updater.Options{
		Manifest:       api,
		Fetcher:        fetcher,
		Store:          store,
		Cache:          cache,
		Committer:      committer,
		Health:         a.health,
		Primary:        cfg.PrimaryExecutable,
		MaxConcurrent:  cfg.MaxConcurrentTransfers,
		MaxReplans:     cfg.MaxReplans,
		EnablePatching: cfg.EnablePatching,
		Dependencies:   deps,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// registerSources adds the object-store backends that have settings.
func (a *app) registerSources(mux *source.Mux) {
	cfg := a.cfg
	if cfg.S3.Region != "" || cfg.S3.Endpoint != "" || cfg.S3.AccessKeyID != "" {
		mux.Register("s3", source.NewS3Source(source.S3Options{
			Region:          cfg.S3.Region,
			Endpoint:        cfg.S3.Endpoint,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
			PathStyle:       cfg.S3.PathStyle,
			PartSize:        int64(cfg.S3.PartSizeMB) << 20,
			Concurrency:     cfg.S3.Concurrency,
		}))
	}
	if cfg.GCS.Endpoint != "" || cfg.GCS.CredentialsFile != "" || cfg.GCS.Anonymous {
		gcs := source.NewGCSSource(source.GCSOptions{
			Endpoint:        cfg.GCS.Endpoint,
			CredentialsFile: cfg.GCS.CredentialsFile,
			Anonymous:       cfg.GCS.Anonymous,
		})
		mux.Register("gs", gcs)
		a.closers = append(a.closers, gcs)
	}
	if cfg.Azure.ConnectionString != "" || cfg.Azure.ServiceURL != "" {
		mux.Register("azblob", source.NewAzureSource(source.AzureOptions{
			ConnectionString: cfg.Azure.ConnectionString,
			ServiceURL:       cfg.Azure.ServiceURL,
			SASToken:         cfg.Azure.SASToken,
		}))
	}
	if cfg.B2.AccountID != "" {
		mux.Register("b2", source.NewB2Source(source.B2Options{
			AccountID:      cfg.B2.AccountID,
			ApplicationKey: cfg.B2.ApplicationKey,
		}))
	}
}

// stream returns the release stream: the one recorded at the last
// promotion wins over the configured default.
func (a *app) stream() string {
	if s, ok := a.store.Get(staging.ReleaseStreamKey); ok && s != "" {
		return s
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.configured
}

func (a *app) setConfiguredStream(stream string) {
	a.mu.Lock()
	a.configured = stream
	a.mu.Unlock()
}

func (a *app) relaunchOptions() updater.RelaunchOptions {
	exe := ""
	if a.cfg.PrimaryExecutable != "" {
		exe = filepath.Join(a.cfg.InstallDir, filepath.FromSlash(a.cfg.PrimaryExecutable))
	}
	return updater.RelaunchOptions{
		Executable: exe,
		Args:       a.cfg.RelaunchArgs,
		Service:    a.cfg.ServiceName,
	}
}

func (a *app) Close() {
	if a.updater != nil {
		a.updater.Abort()
		a.updater.Wait()
	}
	for _, c := range a.closers {
		c.Close()
	}
	if err := a.store.Save(); err != nil {
		log.Warn("failed to save state", logging.KeyError, err)
	}
	a.store.Close()
	if a.logFile != nil {
		a.logFile.Close()
	}
}
