// Copyright 2025 StudyMesh
// SPDX-License-Identifier: BUSL-1.1

package pipeline

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"studymesh/platform/classifier"
	"studymesh/platform/compliance"
	"studymesh/platform/contextbundle"
	"studymesh/platform/knowledge"
	"studymesh/platform/optimizer"
	"studymesh/platform/personalization"
	"studymesh/platform/provider"
	"studymesh/platform/shared/logger"
	"studymesh/platform/shared/types"
	"studymesh/platform/validator"
)

// Run starts the pipeline service: it loads configuration, wires every
// layer, and serves HTTP until SIGINT/SIGTERM.
func Run() {
	log := logger.New("pipeline")

	configPath := os.Getenv("STUDYMESH_CONFIG")
	cfgm, err := NewConfigManager(configPath, log)
	if err != nil {
		log.Error("", "", "failed to load configuration", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}
	cfg := cfgm.Current()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Provider fleet.
	var resolver provider.SecretResolver
	if region := os.Getenv("AWS_REGION"); region != "" {
		if r, err := provider.NewAWSSecretResolver(ctx, region); err != nil {
			log.Warn("", "", "secrets manager unavailable, ARN-based keys disabled",
				map[string]interface{}{"error": err.Error()})
		} else {
			resolver = r
		}
	}
	registry, err := BuildRegistry(ctx, cfg.Providers, resolver, log)
	if err != nil {
		log.Error("", "", "provider setup failed", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}

	monitor := provider.NewHealthMonitor(registry, cfg.Monitor, log)
	go monitor.Run(ctx)
	defer monitor.Stop()

	selector := provider.NewSelector(cfg.SelectionPolicy)
	invoker := provider.NewInvoker(registry, monitor, selector, cfg.Invoker, log)

	// Knowledge store. Either backend may be absent; the pipeline
	// degrades per request instead of refusing to start.
	store := knowledge.Store{}
	var db *sql.DB
	if cfg.PostgresURL != "" {
		pool, err := sql.Open("postgres", cfg.PostgresURL)
		if err != nil {
			log.Warn("", "", "fact store unavailable", map[string]interface{}{"error": err.Error()})
		} else {
			defer pool.Close()
			db = pool
			store.Facts = knowledge.NewPostgresFactStore(db)
		}
	}
	var memory knowledge.MemoryStore
	if cfg.MongoURI != "" {
		mem, err := knowledge.NewMongoMemoryStore(ctx, cfg.MongoURI, "studymesh")
		if err != nil {
			log.Warn("", "", "memory store unavailable", map[string]interface{}{"error": err.Error()})
		} else {
			defer mem.Close(context.Background())
			store.Memory = mem
			memory = mem
		}
	}

	// Audit trail shares the fact store's pool. When the database is
	// absent the queue spills to its local fallback file.
	var auditStore compliance.AuditStore
	if db != nil {
		auditStore = compliance.NewPostgresAuditStore(db)
	}
	auditQueue, err := compliance.NewAuditQueue(auditStore, cfg.Audit, log)
	if err != nil {
		log.Error("", "", "audit queue setup failed", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}
	defer auditQueue.Shutdown()

	gate := compliance.NewGate(compliance.DefaultFrameworks(), auditQueue, log)

	// Response cache.
	var cache *optimizer.ResponseCache
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			log.Warn("", "", "response cache unavailable", map[string]interface{}{"error": err.Error()})
		} else {
			defer client.Close()
			cache = optimizer.NewResponseCache(client, cfg.CacheTTL, log)
		}
	}

	metrics := NewMetrics(prometheus.DefaultRegisterer)

	// The classifier borrows the highest-priority provider for its
	// refinement call on ambiguous inputs.
	cls := classifier.New(cfg.Classifier, log)
	if names := registry.ListEnabled(); len(names) > 0 {
		if p, err := registry.Get(names[0]); err == nil {
			cls = classifier.NewWithModel(cfg.Classifier, p, log)
		}
	}

	engine := NewEngine(cfgm, Deps{
		Classifier: cls,
		Assembler:  contextbundle.New(store, cfg.Context, log),
		Invoker:    invoker,
		Monitor:    monitor,
		Validator:  validator.New(store.Facts, cfg.Validator, log),
		Personal:   personalization.New(cfg.Personal, log),
		Gate:       gate,
		Memory:     memory,
		Cache:      cache,
		Optimizer:  optimizer.New(invoker, log),
		Metrics:    metrics,
		Log:        log,
	})

	// Config hot reload.
	go func() {
		if err := cfgm.Watch(ctx.Done()); err != nil {
			log.Warn("", "", "config watcher stopped", map[string]interface{}{"error": err.Error()})
		}
	}()

	// Keep the availability gauges current.
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for name, rec := range monitor.Snapshot() {
					metrics.ProviderHealth.WithLabelValues(name).Set(healthGaugeValue(rec.Status))
				}
			}
		}
	}()

	r := mux.NewRouter()
	r.HandleFunc("/health", healthHandler(monitor)).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")
	r.HandleFunc("/api/v1/query", queryHandler(engine, log)).Methods("POST")
	r.HandleFunc("/api/v1/feedback", feedbackHandler(engine, log)).Methods("POST")
	r.HandleFunc("/api/v1/providers/status", providerStatusHandler(monitor)).Methods("GET")
	r.HandleFunc("/api/v1/bottlenecks", bottleneckHandler(engine)).Methods("GET")

	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"*"},
	})

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      c.Handler(r),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.Timeouts.Overall + 5*time.Second,
	}

	go func() {
		log.Info("", "", "pipeline listening", map[string]interface{}{"addr": cfg.ListenAddr})
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("", "", "http server failed", map[string]interface{}{"error": err.Error()})
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("", "", "shutting down", nil)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("", "", "http shutdown incomplete", map[string]interface{}{"error": err.Error()})
	}
}

func healthGaugeValue(s provider.HealthStatus) float64 {
	switch s {
	case provider.StatusOnline:
		return 1
	case provider.StatusDegraded:
		return 0.5
	default:
		return 0
	}
}

type queryRequest struct {
	UserID         string `json:"user_id"`
	SessionID      string `json:"session_id"`
	ConversationID string `json:"conversation_id"`
	Text           string `json:"text"`

	AgeGroup           string `json:"age_group,omitempty"`
	Jurisdiction       string `json:"jurisdiction,omitempty"`
	DataClassification string `json:"data_classification,omitempty"`
	ConsentGranted     bool   `json:"consent_granted,omitempty"`
}

func queryHandler(engine *Engine, log *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req queryRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if req.Text == "" {
			writeError(w, http.StatusBadRequest, "text is required")
			return
		}

		query := &types.Query{
			UserID:         req.UserID,
			SessionID:      req.SessionID,
			ConversationID: req.ConversationID,
			Text:           req.Text,
			SubmittedAt:    time.Now(),
			Context: types.UserContext{
				AgeGroup:           types.AgeGroup(req.AgeGroup),
				Jurisdiction:       req.Jurisdiction,
				DataClassification: req.DataClassification,
				ConsentGranted:     req.ConsentGranted,
			},
		}

		resp, err := engine.ProcessQuery(r.Context(), query)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

type feedbackRequest struct {
	UserID      string `json:"user_id"`
	QueryID     string `json:"query_id"`
	Subject     string `json:"subject,omitempty"`
	Rating      int    `json:"rating"`
	Comment     string `json:"comment,omitempty"`
	DwellTimeMS int64  `json:"dwell_time_ms,omitempty"`
	FollowUps   int    `json:"follow_ups,omitempty"`
	Corrections int    `json:"corrections,omitempty"`
}

func feedbackHandler(engine *Engine, log *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req feedbackRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		err := engine.deps.Personal.Ingest(personalization.Feedback{
			UserID:      req.UserID,
			QueryID:     req.QueryID,
			Type:        personalization.FeedbackExplicit,
			Subject:     req.Subject,
			Rating:      req.Rating,
			Comment:     req.Comment,
			DwellTime:   time.Duration(req.DwellTimeMS) * time.Millisecond,
			FollowUps:   req.FollowUps,
			Corrections: req.Corrections,
			RecordedAt:  time.Now(),
		})
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}
}

func healthHandler(monitor *provider.HealthMonitor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snapshot := monitor.Snapshot()
		healthy := false
		for _, rec := range snapshot {
			if rec.Status != provider.StatusOffline {
				healthy = true
				break
			}
		}
		// Before the first probe round the snapshot is empty; report
		// healthy so load balancers admit the instance.
		if len(snapshot) == 0 {
			healthy = true
		}

		status := http.StatusOK
		text := "ok"
		if !healthy {
			status = http.StatusServiceUnavailable
			text = "degraded"
		}
		writeJSON(w, status, map[string]interface{}{
			"status":    text,
			"providers": len(snapshot),
		})
	}
}

func providerStatusHandler(monitor *provider.HealthMonitor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, monitor.Snapshot())
	}
}

func bottleneckHandler(engine *Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if engine.deps.Optimizer == nil {
			writeJSON(w, http.StatusOK, []struct{}{})
			return
		}
		writeJSON(w, http.StatusOK, engine.deps.Optimizer.BottleneckReport())
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
