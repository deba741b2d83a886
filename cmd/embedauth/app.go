package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"

	"github.com/blackwell-systems/embedauth"
	_ "github.com/blackwell-systems/embedauth/backends/awssecrets"
	_ "github.com/blackwell-systems/embedauth/backends/azurekeyvault"
	_ "github.com/blackwell-systems/embedauth/backends/file"
	_ "github.com/blackwell-systems/embedauth/backends/gcpsecrets"
	_ "github.com/blackwell-systems/embedauth/backends/pass"
	"github.com/blackwell-systems/embedauth/cloudapi"
	"github.com/blackwell-systems/embedauth/report"
)

// deps are the process-level collaborators a command needs. Tests replace them.
type deps struct {
	httpClient *http.Client
	newLogger  func(LogConfig) (logr.Logger, func(), error)
}

func realDeps() deps {
	return deps{newLogger: newZapLogger}
}

// newZapLogger builds a zap logger writing to stderr and adapts it to logr.
func newZapLogger(cfg LogConfig) (logr.Logger, func(), error) {
	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return logr.Discard(), func() {}, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	zc := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
		zc.DisableStacktrace = true
	}
	zc.Level = level

	zl, err := zc.Build()
	if err != nil {
		return logr.Discard(), func() {}, err
	}
	return zapr.NewLogger(zl), func() { _ = zl.Sync() }, nil
}

// app is the wiring shared by every command: logger, store and cloud client.
type app struct {
	cfg    *Config
	log    logr.Logger
	store  embedauth.Store
	cache  *embedauth.CredentialCache
	client *cloudapi.Client

	closers []func()
}

func newApp(ctx context.Context, cfg *Config, d deps) (*app, error) {
	log, sync, err := d.newLogger(cfg.Log)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, log: log, closers: []func(){sync}}

	store, err := embedauth.NewStore(cfg.storeConfig())
	if err != nil {
		a.Close()
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("could not initialize %s store: %w", store.Name(), err)
	}
	a.closers = append([]func(){func() { _ = store.Close() }}, a.closers...)
	a.store = store
	a.cache = embedauth.NewCredentialCache(store)

	httpClient := d.httpClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	a.client = cloudapi.New(cfg.CloudURL,
		cloudapi.WithHTTPClient(httpClient),
		cloudapi.WithLogger(log.WithName("cloudapi")))

	log.V(1).Info("configured", "store", store.Name(), "cloudUrl", cfg.CloudURL, "deploymentId", cfg.DeploymentID)
	return a, nil
}

// Close releases the store and flushes the logger.
func (a *app) Close() {
	for _, c := range a.closers {
		c()
	}
}

// orchestrator creates an orchestrator over the app's store and client.
func (a *app) orchestrator(opts ...embedauth.Option) *embedauth.Orchestrator {
	opts = append([]embedauth.Option{embedauth.WithLogger(a.log.WithName("orchestrator"))}, opts...)
	if a.cfg.Retry.MaxRetries > 0 {
		opts = append(opts, embedauth.WithRetry(embedauth.ExponentialRetry(a.cfg.Retry.MaxRetries, a.cfg.Retry.MaxElapsed)))
	}
	return embedauth.NewOrchestrator(a.cfg.orchestratorConfig(), a.client, a.client, a.cache, opts...)
}

// endpoint runs the workflow to completion once.
func (a *app) endpoint(ctx context.Context) (embedauth.Endpoint, error) {
	o := a.orchestrator()
	defer o.Close()

	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	ep, err := o.Wait(ctx)
	if err != nil {
		return embedauth.Endpoint{}, fmt.Errorf("could not resolve endpoint: %w", err)
	}
	return ep, nil
}

// views fetches the semantic views of the configured deployment.
func (a *app) views(ctx context.Context) ([]report.View, error) {
	ep, err := a.endpoint(ctx)
	if err != nil {
		return nil, err
	}
	views, err := a.client.FetchMeta(ctx, ep)
	if err != nil {
		return nil, fmt.Errorf("could not fetch semantic views: %w", err)
	}
	return views, nil
}

func (a *app) persister() *report.Persister {
	return report.NewPersister(a.store, a.log.WithName("report"))
}

func (a *app) tracker(ctx context.Context) *report.Tracker {
	return report.NewTracker(ctx, a.persister())
}
