package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"wafguard/pkg/config"
	"wafguard/pkg/feedback"
	"wafguard/pkg/lifecycle"
	otelobs "wafguard/pkg/observability/otel"
	"wafguard/pkg/registry"
	"wafguard/pkg/store"
	"wafguard/pkg/structlog"
	"wafguard/pkg/suggest"
	"wafguard/pkg/traffic"
)

func main() {
	cfg := config.Load()
	log := structlog.New(cfg.ServiceName, structlog.ParseLevel(cfg.LogLevel), os.Stdout)

	if cfg.DatabaseURL == "" {
		log.Error("DATABASE_URL is required", nil)
		os.Exit(1)
	}

	st, err := store.Open(cfg.DatabaseURL, log)
	if err != nil {
		log.Error("database connect failed", structlog.Fields{"error": err.Error()})
		os.Exit(1)
	}
	defer st.Close()
	if err := st.Migrate(); err != nil {
		log.Error("migrations failed", structlog.Fields{"error": err.Error()})
		os.Exit(1)
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()
	cache := registry.New(rdb)

	drift := traffic.NewMonitor(rdb, cfg.DriftWindowSize, cfg.DriftThreshold, func(alert traffic.Alert) {
		log.Warn("traffic drift detected", structlog.Fields{
			"tenant": alert.TenantID, "severity": string(alert.Severity),
			"ks": alert.KS, "psi": alert.PSI,
		})
	})

	eng := newEngine(cfg, log, st, cache, drift)

	rules := lifecycle.NewManager(st, &projector{eng: eng}, lifecycle.Config{
		AutoApproveThreshold: cfg.AutoApproveThreshold,
		MinRetainConfidence:  cfg.MinRetainConfidence,
	}, log)

	retrainQueue := make(channelRetrainer, 16)
	loop := feedback.NewLoop(st, rules, retrainQueue, cfg.RetrainFeedbackCount, log)

	a := &api{
		eng:      eng,
		suggest:  suggest.NewEngine(suggest.Config{MinEvents: cfg.MinSuggestionEvents}),
		rules:    rules,
		feedback: loop,
		log:      log,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go eng.retrainWorker(ctx, retrainQueue, loop.ResetRetrainCounter)

	shutdownTracer := otelobs.InitTracer(cfg.ServiceName)
	defer shutdownTracer(context.Background())

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/check", a.handleCheck)
	mux.HandleFunc("/v1/train", a.handleTrain)
	mux.HandleFunc("/v1/suggest", a.handleSuggest)
	mux.HandleFunc("/v1/rules", a.handleRules)
	mux.HandleFunc("/v1/rules/approve", a.handleRuleApprove)
	mux.HandleFunc("/v1/rules/reject", a.handleRuleReject)
	mux.HandleFunc("/v1/feedback", a.handleFeedback)
	mux.HandleFunc("/v1/feedback/resolve", a.handleFeedbackResolve)
	mux.HandleFunc("/v1/insights", a.handleInsights)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := st.Ping(); err != nil {
			writeError(w, http.StatusServiceUnavailable, "database unavailable")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           otelobs.AccessLogMiddleware(log, mux),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = srv.Shutdown(shCtx)
	}()

	log.Info("gateway listening", structlog.Fields{"port": cfg.Port})
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error("server exited", structlog.Fields{"error": err.Error()})
		os.Exit(1)
	}
}
