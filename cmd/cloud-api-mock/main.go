// Cloud API Mock Server
//
// A local fake of the Cube Cloud embed endpoints: session generation, session
// exchange, deployment lookup, API token minting and the meta endpoint. It can also
// serve a GCP Secret Manager fake so the gcpsecrets store works offline.
//
// Usage:
//
//	cloud-api-mock --port 8080 --api-key dev-key --deployment-id 1
//	cloud-api-mock --secrets-port 9090   # also serve Secret Manager over gRPC
//
// Environment Variables:
//
//	CLOUD_MOCK_PORT          - HTTP port (default: 8080)
//	CLOUD_MOCK_SECRETS_PORT  - Secret Manager gRPC port, 0 disables (default: 0)
//	CLOUD_MOCK_API_KEY       - Accepted API key (default: dev-key)
//	CLOUD_MOCK_DEPLOYMENT_ID - Served deployment id (default: 1)
//	CLOUD_MOCK_TOKEN_TTL     - Lifetime of minted tokens (default: 1h)
//	CLOUD_MOCK_LOG_LEVEL     - Log level: debug, info, warn, error (default: info)
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"

	"github.com/blackwell-systems/embedauth/internal/cloudmock"
	"github.com/blackwell-systems/embedauth/internal/gcpmock"
)

var (
	port         = flag.Int("port", getEnvInt("CLOUD_MOCK_PORT", 8080), "HTTP port to listen on")
	secretsPort  = flag.Int("secrets-port", getEnvInt("CLOUD_MOCK_SECRETS_PORT", 0), "Secret Manager gRPC port (0 disables)")
	apiKey       = flag.String("api-key", getEnv("CLOUD_MOCK_API_KEY", "dev-key"), "Accepted API key")
	deploymentID = flag.Int("deployment-id", getEnvInt("CLOUD_MOCK_DEPLOYMENT_ID", 1), "Served deployment id")
	tokenTTL     = flag.Duration("token-ttl", getEnvDuration("CLOUD_MOCK_TOKEN_TTL", time.Hour), "Lifetime of minted tokens")
	logLevel     = flag.String("log-level", getEnv("CLOUD_MOCK_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	version      = "0.1.0"
)

func main() {
	flag.Parse()

	log, sync, err := newLogger(*logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level: %v\n", err)
		os.Exit(2)
	}
	defer sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, log); err != nil {
		log.Error(err, "server failed")
		sync()
		os.Exit(1)
	}
}

func run(ctx context.Context, log logr.Logger) error {
	log.Info("cloud API mock", "version", version, "port", *port, "deploymentId", *deploymentID)

	api := cloudmock.NewServer(cloudmock.Config{
		APIKey:         *apiKey,
		DeploymentID:   *deploymentID,
		DeploymentName: "mock-deployment",
		TokenTTL:       *tokenTTL,
	}, log.WithName("cloudmock"))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", *port),
		Handler:           api,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if *secretsPort > 0 {
		lis, err := net.Listen("tcp", fmt.Sprintf(":%d", *secretsPort))
		if err != nil {
			return fmt.Errorf("listen secret manager: %w", err)
		}
		g := gcpmock.NewServer(log.WithName("gcpmock")).Serve(lis)
		defer g.GracefulStop()
		log.Info("secret manager mock listening", "addr", lis.Addr().String())
	}

	errc := make(chan error, 1)
	go func() {
		log.Info("ready to accept connections", "addr", srv.Addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Info("server stopped")
	return nil
}

func newLogger(level string) (logr.Logger, func(), error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return logr.Discard(), func() {}, err
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = lvl
	zl, err := cfg.Build()
	if err != nil {
		return logr.Discard(), func() {}, err
	}
	return zapr.NewLogger(zl), func() { _ = zl.Sync() }, nil
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt returns environment variable as int or default
func getEnvInt(key string, defaultValue int) int {
	if value, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return value
	}
	return defaultValue
}
