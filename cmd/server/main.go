package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	persistlog "grovesync/internal/persistence/log"
	"grovesync/internal/session"
	"grovesync/internal/transport/ws"
	"grovesync/internal/tuning"
)

func main() {
	var (
		addr       = flag.String("addr", ":8080", "http listen address")
		tuningPath = flag.String("tuning", "./configs/tuning.yaml", "path to tuning.yaml")
		dataDir    = flag.String("data", "", "runtime data directory (empty disables the audit log)")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	tune, err := tuning.Load(*tuningPath)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Printf("tuning not found (%s); using defaults", *tuningPath)
			tune = tuning.Defaults()
		} else {
			logger.Fatalf("load tuning: %v", err)
		}
	}

	var audit session.AuditLogger
	if *dataDir != "" {
		al := persistlog.NewAuditLogger(*dataDir)
		defer al.Close()
		audit = al
	}

	store := session.NewStore(tune, logger, audit)

	ctx, cancel := signalContext()
	defer cancel()

	go store.Run(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")

		m := store.Metrics()

		// Minimal Prometheus exposition format.
		fmt.Fprintf(rw, "# HELP grovesync_sessions Current number of live sessions.\n")
		fmt.Fprintf(rw, "# TYPE grovesync_sessions gauge\n")
		fmt.Fprintf(rw, "grovesync_sessions %d\n", m.Sessions)

		fmt.Fprintf(rw, "# HELP grovesync_clients Current number of connected clients.\n")
		fmt.Fprintf(rw, "# TYPE grovesync_clients gauge\n")
		fmt.Fprintf(rw, "grovesync_clients %d\n", m.Clients)

		fmt.Fprintf(rw, "# HELP grovesync_sessions_created_total Sessions created since start.\n")
		fmt.Fprintf(rw, "# TYPE grovesync_sessions_created_total counter\n")
		fmt.Fprintf(rw, "grovesync_sessions_created_total %d\n", m.Created)

		fmt.Fprintf(rw, "# HELP grovesync_sessions_reaped_total Sessions reaped since start.\n")
		fmt.Fprintf(rw, "# TYPE grovesync_sessions_reaped_total counter\n")
		fmt.Fprintf(rw, "grovesync_sessions_reaped_total %d\n", m.Reaped)

		fmt.Fprintf(rw, "# HELP grovesync_broadcasts_total Messages broadcast to session members.\n")
		fmt.Fprintf(rw, "# TYPE grovesync_broadcasts_total counter\n")
		fmt.Fprintf(rw, "grovesync_broadcasts_total %d\n", m.Broadcasts)
	})

	mux.HandleFunc("/session", func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		code, err := store.Create()
		rw.Header().Set("Content-Type", "application/json")
		if err != nil {
			rw.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(rw).Encode(map[string]any{"error": err.Error()})
			return
		}
		rw.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(rw).Encode(map[string]any{"code": code})
	})
	mux.HandleFunc("/session/", func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		code := strings.TrimPrefix(r.URL.Path, "/session/")
		sess := store.Get(code)
		rw.Header().Set("Content-Type", "application/json")
		if sess == nil {
			rw.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(rw).Encode(map[string]any{"error": "session not found"})
			return
		}
		_ = json.NewEncoder(rw).Encode(map[string]any{
			"code":        sess.Code,
			"clientCount": sess.ClientCount(),
		})
	})

	if envBool("GS_ENABLE_PPROF_HTTP", false) {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}
	mux.HandleFunc("/v1/ws", ws.NewServer(store, tune, logger).Handler())

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		store.CloseAll("shutdown")
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Printf("listening on %s", *addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("ListenAndServe: %v", err)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return def
}
