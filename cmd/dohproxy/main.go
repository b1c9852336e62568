// Command dohproxy runs the DNS-over-HTTPS racing reverse proxy: a
// single /dns-query endpoint that hedges each inbound query across
// multiple upstream DoH resolvers and returns the first acceptable
// response.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"dohrace/internal/config"
	"dohrace/internal/dispatch"
	"dohrace/internal/dohserver"
	"dohrace/internal/latency"
	"dohrace/internal/logging"
	"dohrace/internal/upstream"
)

var configFile = flag.String("config", "", "path to an optional YAML config file (ambient settings only; DOH_UPSTREAMS always comes from the environment)")

func main() {
	flag.Usage = func() {
		const usage = `DNS-over-HTTPS racing reverse proxy

Usage: %s -config <config.yaml>
`
		fmt.Fprintf(os.Stderr, usage, os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[SYSTEM] failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.Logging)
	defer logger.Shutdown()

	upstreams := upstream.Load()
	logger.Info("[SYSTEM] loaded %d upstream(s)", upstreams.Len())

	table := latency.NewTable()

	httpClient := &http.Client{
		Transport: &http.Transport{
			ForceAttemptHTTP2:   true,
			MaxIdleConns:        1000,
			MaxIdleConnsPerHost: 256,
			IdleConnTimeout:     90 * time.Second,
		},
		// No per-call Timeout: the dispatcher's safety timer and each
		// launch's abort context bound outbound request lifetime.
	}

	dispatcher := dispatch.New(httpClient, table, logger, cfg.HedgeDelay(), cfg.SafetyTimeout())
	dispatcher.SetUpstreamCache(upstreams.Entries())
	handler := dohserver.New(upstreams.URLs(), table, dispatcher, logger)

	mux := http.NewServeMux()
	mux.Handle("/dns-query", handler)
	mux.HandleFunc("/healthz", handleHealthz)

	server := &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: mux,
	}

	shutdownCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("[SYSTEM] starting DoH listener on %s", server.Addr)

		var serveErr error
		if cfg.Server.TLS.CertFile != "" && cfg.Server.TLS.KeyFile != "" {
			serveErr = server.ListenAndServeTLS(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile)
		} else {
			serveErr = server.ListenAndServe()
		}
		if serveErr != nil && serveErr != http.ErrServerClosed {
			logger.Error("[SYSTEM] listener stopped: %v", serveErr)
		}
	}()

	<-shutdownCtx.Done()
	logger.Info("[SYSTEM] shutdown signal received, draining in-flight requests")

	drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(drainCtx); err != nil {
		logger.Error("[SYSTEM] graceful shutdown failed: %v", err)
	}
}

func handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
