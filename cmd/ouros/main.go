// Package main provides the Ouros server and single-script CLI entrypoint.
//
// Ouros is a sandboxed bytecode virtual machine for a Python subset: a
// heap with reference counting, a tagged Value union, a resource tracker
// enforcing per-session allocation/memory/time/recursion limits, and a
// suspension/resumption protocol for external calls and awaited futures.
// It exposes its session-manager operations both as a Go library and, via
// the api package, as an HTTP remote-tool surface documented with Swagger.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/parcadei/ouros/api"
	"github.com/parcadei/ouros/config"
	"github.com/parcadei/ouros/logger"
	"github.com/parcadei/ouros/session"
	"github.com/parcadei/ouros/vm"
)

// @title Ouros API
// @version 0.1.0
// @description Remote-tool boundary for the Ouros sandboxed bytecode VM

// @license.name MIT

// @host localhost:8701
// @BasePath /api/v1

// Version is the Ouros version string, overridable at build time via
// -ldflags "-X main.Version=x.y.z".
var Version = "0.1.0"

// BuildDate is set at build time via -ldflags "-X main.BuildDate=...".
var BuildDate = "unknown"

var runScript string

func init() {
	flag.StringVar(&runScript, "ouros-run", "", "run a single compiled program (JSON vm.CompiledProgram) from a file and exit, instead of starting the server")
}

func main() {
	cm := config.NewManager()
	cm.RegisterFlags()
	flag.Parse()

	if flag.Lookup("v").Value.String() == "true" || flag.Lookup("version").Value.String() == "true" {
		fmt.Printf("ouros v%s (built %s)\n", Version, BuildDate)
		os.Exit(0)
	}
	if flag.Lookup("h").Value.String() == "true" || flag.Lookup("help").Value.String() == "true" {
		fmt.Printf("ouros v%s\n\nUsage: ouros [options]\n\nOptions:\n", Version)
		flag.PrintDefaults()
		fmt.Println("\nAll options can also be set via OUROS_* environment variables.")
		os.Exit(0)
	}

	cfg, err := cm.Initialize()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize configuration: %v\n", err)
		os.Exit(1)
	}

	logger.Configure()
	if err := logger.SetLogLevel(cfg.LogLevel); err != nil {
		logger.Fatalf("invalid log level: %v", err)
	}
	logger.Info("starting ouros v%s with log level %s", Version, strings.ToUpper(logger.GetLogLevel()))
	logger.EnableTracing(strings.EqualFold(cfg.LogLevel, "trace"))

	mgr := session.NewManager(cfg.StorageDir, cfg.HistoryDepth)
	defer mgr.Close()

	if runScript != "" {
		runOnce(mgr, cfg, runScript)
		return
	}

	serve(mgr, cfg)
}

// runOnce loads a JSON-encoded vm.CompiledProgram from path, executes it
// in the default session, and prints the resulting suspension state.
// There is no source-level compiler in this build (§1's non-goals put
// parsing/compilation out of scope), so "a script" here is a serialized
// CompiledProgram rather than Python text — the same artifact vm.Builder
// produces and the HTTP execute endpoint accepts.
func runOnce(mgr *session.Manager, cfg *config.Config, path string) {
	f, err := os.Open(path)
	if err != nil {
		logger.Fatalf("ouros-run: %v", err)
	}
	defer f.Close()

	var prog vm.CompiledProgram
	if err := json.NewDecoder(f).Decode(&prog); err != nil {
		logger.Fatalf("ouros-run: decoding %s: %v", path, err)
	}

	state, err := mgr.Execute(session.DefaultSessionID, &prog, cfg.DefaultLimits(), nil)
	if err != nil {
		logger.Fatalf("ouros-run: %v", err)
	}
	switch state.Kind {
	case vm.SuspendComplete:
		fmt.Printf("= %v\n", state.CompleteValue)
	case vm.SuspendExternalCall:
		fmt.Printf("suspended on external call %q (call id %d); no driver attached to resume it\n", state.Call.Name, state.Call.CallID)
	case vm.SuspendFutureAwait:
		fmt.Printf("suspended awaiting %d future(s); no driver attached to resume them\n", len(state.PendingCallIDs))
	}
}

// serve starts the HTTP remote-tool server and blocks until a shutdown
// signal arrives, then drains in-flight requests within cfg.ShutdownTimeout
// (grounded on the teacher's own signal.Notify/server.Shutdown sequence).
func serve(mgr *session.Manager, cfg *config.Config) {
	handler := api.NewSessionHandler(mgr)
	router := api.NewRouter(handler, cfg.StorageDir)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
		IdleTimeout:  cfg.HTTPIdleTimeout,
		ConnState: func(conn net.Conn, state http.ConnState) {
			if state == http.StateNew {
				logger.LogHTTPAccept(conn.LocalAddr().String(), conn.RemoteAddr().String())
			}
		},
	}

	logger.Info("starting ouros server on port %d", cfg.Port)
	logger.Info("API documentation: http://localhost:%d/swagger/", cfg.Port)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("http server failed: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("received signal %v, initiating graceful shutdown...", sig)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("http server shutdown error: %v", err)
	}
	logger.Info("ouros server shutdown complete")
}
