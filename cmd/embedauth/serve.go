package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-logr/logr"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/blackwell-systems/embedauth"
)

func newServeCommand(d deps) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Args:  cobra.NoArgs,
		Use:   "serve",
		Short: "Serve the resolved endpoint and metrics over HTTP",
		Long: `serve keeps one orchestrator alive and exposes it locally:

  GET  /endpoint  resolved apiUrl and apiToken, re-exchanging an expired token
  GET  /state     current workflow state and recorded failure
  POST /reset     clear a failure and start over
  GET  /metrics   Prometheus metrics`,
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:9464", "Listen address")

	cmd.RunE = func(cmd *cobra.Command, _ []string) error {
		return runWithApp(cmd, d, func(ctx context.Context, a *app) error {
			lis, err := net.Listen("tcp", addr)
			if err != nil {
				return err
			}
			return serve(ctx, a, lis)
		})
	}
	return cmd
}

// serve runs the endpoint server on lis until ctx is done.
func serve(ctx context.Context, a *app, lis net.Listener) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	o := a.orchestrator(embedauth.WithMetrics(embedauth.NewMetrics(reg)))
	defer o.Close()
	o.Trigger()

	srv := &http.Server{
		Handler:           newServeRouter(o, reg, a.cfg.Timeout, a.log),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		a.log.Info("serving endpoint", "addr", lis.Addr().String())
		errc <- srv.Serve(lis)
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

type stateResponse struct {
	State string `json:"state"`
	Error string `json:"error,omitempty"`
}

func newServeRouter(o *embedauth.Orchestrator, reg *prometheus.Registry, timeout time.Duration, log logr.Logger) *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/endpoint", func(w http.ResponseWriter, req *http.Request) {
		ctx, cancel := context.WithTimeout(req.Context(), timeout)
		defer cancel()

		ep, err := o.Wait(ctx)
		if err != nil {
			log.Error(err, "endpoint not available")
			status := http.StatusBadGateway
			if errors.Is(err, context.DeadlineExceeded) {
				status = http.StatusGatewayTimeout
			}
			respondJSON(w, status, stateResponse{State: o.State().String(), Error: err.Error()})
			return
		}
		respondJSON(w, http.StatusOK, ep)
	}).Methods(http.MethodGet)

	r.HandleFunc("/state", func(w http.ResponseWriter, _ *http.Request) {
		resp := stateResponse{State: o.State().String()}
		if err := o.Err(); err != nil {
			resp.Error = err.Error()
		}
		respondJSON(w, http.StatusOK, resp)
	}).Methods(http.MethodGet)

	r.HandleFunc("/reset", func(w http.ResponseWriter, _ *http.Request) {
		o.Reset()
		respondJSON(w, http.StatusAccepted, stateResponse{State: o.State().String()})
	}).Methods(http.MethodPost)

	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	return r
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = writeJSON(w, v)
}
