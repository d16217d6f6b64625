package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/hkdf"

	"github.com/wardenhq/warden/pkg/alert"
	"github.com/wardenhq/warden/pkg/audit"
	"github.com/wardenhq/warden/pkg/canonical"
	"github.com/wardenhq/warden/pkg/chain"
	"github.com/wardenhq/warden/pkg/config"
	"github.com/wardenhq/warden/pkg/evidence"
	"github.com/wardenhq/warden/pkg/observability"
	"github.com/wardenhq/warden/pkg/policy"
	"github.com/wardenhq/warden/pkg/report"
	"github.com/wardenhq/warden/pkg/violation"

	_ "github.com/lib/pq" // postgres driver
)

// server bundles the wired subsystems behind the HTTP API.
type server struct {
	cfg        *config.Config
	log        *slog.Logger
	engine     *policy.Engine
	snapshot   *policy.Snapshot
	ledger     *chain.Ledger
	auditStore audit.Store
	detector   *violation.Detector
	violations violation.Store
	dispatcher *alert.Dispatcher
	generator  *report.Generator
	reports    report.Store
	schedules  *report.ScheduleManager
	obs        *observability.Provider
}

func runServer(stderr io.Writer) int {
	if err := serve(); err != nil {
		_, _ = fmt.Fprintf(stderr, "wardend: %v\n", err)
		return 1
	}
	return 0
}

func serve() error {
	cfg, err := config.Load(os.Getenv("WARDEN_CONFIG"))
	if err != nil {
		return err
	}

	log := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv, cleanup, err := buildServer(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer cleanup()

	// Background loops: policy hot reload and scheduled reports.
	if cfg.Policy.WatchReload {
		watcher := config.NewPolicyWatcher(cfg.Policy.Dir, policy.NewValidator(), srv.snapshot,
			config.WithDebounce(cfg.PolicyDebounce()))
		go func() {
			if err := watcher.Run(ctx); err != nil && ctx.Err() == nil {
				log.Error("policy watcher stopped", "error", err)
			}
		}()
	}
	go srv.scheduleLoop(ctx)

	httpSrv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}()

	log.Info("wardend listening", "port", cfg.Server.Port, "audit_backend", cfg.Audit.Backend)
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

// buildServer wires every subsystem from the configuration. The returned
// cleanup closes what was opened, in reverse order.
func buildServer(ctx context.Context, cfg *config.Config, log *slog.Logger) (*server, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	// 1. Signing key.
	var signer *chain.Ed25519Signer
	if cfg.Signing.Enabled {
		seed, err := hex.DecodeString(cfg.Signing.Ed25519SeedHex)
		if err != nil || len(seed) != ed25519.SeedSize {
			cleanup()
			return nil, nil, fmt.Errorf("signing seed must be %d hex-encoded bytes", ed25519.SeedSize)
		}
		signer = chain.NewEd25519SignerFromKey(ed25519.NewKeyFromSeed(seed), cfg.Signing.KeyID)
	}

	// 2. Audit store and ledger.
	algo := canonical.Algorithm(cfg.Audit.Algorithm)
	auditStore, closeStore, err := openAuditStore(cfg, algo)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	if closeStore != nil {
		closers = append(closers, closeStore)
	}

	builderOpts := []chain.Option{chain.WithAlgorithm(algo)}
	if signer != nil {
		builderOpts = append(builderOpts, chain.WithSigner(signer))
	}
	builder, err := chain.NewBuilder(builderOpts...)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	ledger, err := chain.NewLedger(ctx, builder, auditStore)
	if err != nil {
		cleanup()
		return nil, nil, err
	}

	// 3. Policies. A missing directory leaves the snapshot empty; the
	// evaluate endpoint refuses requests until a set is installed.
	snapshot := policy.NewSnapshot(nil)
	if _, err := os.Stat(cfg.Policy.Dir); err == nil {
		if _, err := config.ReloadPolicies(cfg.Policy.Dir, policy.NewValidator(), snapshot); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("initial policy load: %w", err)
		}
	} else {
		log.Warn("policy directory missing, starting without policies", "dir", cfg.Policy.Dir)
	}

	// 4. Alerting.
	channels, err := buildChannels(cfg)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	var limiter alert.Limiter = alert.NewFixedWindowLimiter()
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		closers = append(closers, func() { _ = client.Close() })
		limiter = alert.NewRedisLimiter(client, "")
	}
	dispatcher := alert.NewDispatcher(channels, limiter, alert.DispatcherConfig{},
		alert.WithLogger(log.With("component", "alert")))

	// 5. Violations.
	fingerprintKey, err := deriveFingerprintKey(cfg.Signing.Ed25519SeedHex)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	violations := violation.NewMemoryStore()
	detector, err := violation.NewDetector(violations, violation.Config{
		FingerprintKey:       fingerprintKey,
		AutoEscalateCritical: true,
		OnViolationDetected: func(v *violation.Violation) {
			go dispatcher.Dispatch(context.Background(), v)
		},
	}, violation.WithLogger(log.With("component", "detector")))
	if err != nil {
		cleanup()
		return nil, nil, err
	}

	// 6. Reports.
	collector := evidence.NewStoreCollector(auditStore, violations)
	reports := report.NewMemoryReportStore()
	genOpts := []report.GeneratorOption{
		report.WithStore(reports),
		report.WithLogger(log.With("component", "report")),
	}
	if signer != nil {
		genOpts = append(genOpts, report.WithSigner(signer, cfg.Signing.KeyID))
	}
	generator := report.NewGenerator(collector, genOpts...)
	schedules := report.NewScheduleManager(generator)

	// 7. Observability.
	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:    "wardend",
		ServiceVersion: "1.0.0",
		OTLPEndpoint:   cfg.Observability.OTLPEndpoint,
		SampleRate:     cfg.Observability.SampleRate,
		BatchTimeout:   5 * time.Second,
		Enabled:        cfg.Observability.Enabled,
		Insecure:       cfg.Observability.Insecure,
	})
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	closers = append(closers, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obs.Shutdown(shutdownCtx)
	})

	return &server{
		cfg:        cfg,
		log:        log,
		engine:     policy.NewEngine(),
		snapshot:   snapshot,
		ledger:     ledger,
		auditStore: auditStore,
		detector:   detector,
		violations: violations,
		dispatcher: dispatcher,
		generator:  generator,
		reports:    reports,
		schedules:  schedules,
		obs:        obs,
	}, cleanup, nil
}

// deriveFingerprintKey expands the signing seed into an independent violation
// fingerprint key under its own HKDF label, so signing and fingerprinting
// never share key material. Without a seed a random per-process key still
// deduplicates correctly.
func deriveFingerprintKey(seedHex string) ([]byte, error) {
	key := make([]byte, 32)
	if seedHex == "" {
		if _, err := rand.Read(key); err != nil {
			return nil, err
		}
		return key, nil
	}
	seed, err := hex.DecodeString(seedHex)
	if err != nil {
		return nil, fmt.Errorf("signing seed is not valid hex: %w", err)
	}
	kr := hkdf.New(sha256.New, seed, nil, []byte("warden/violation-fingerprint/v1"))
	if _, err := io.ReadFull(kr, key); err != nil {
		return nil, err
	}
	return key, nil
}

func openAuditStore(cfg *config.Config, algo canonical.Algorithm) (audit.Store, func(), error) {
	// A single-process daemon keeps one tenant-scoped log per deployment;
	// multi-log routing sits behind the same Store contract.
	key := audit.LogKey{TenantID: "default", Scope: audit.ScopeTenant, ScopeID: "default"}

	switch cfg.Audit.Backend {
	case "memory":
		return audit.NewMemoryStore(key, algo), nil, nil
	case "sqlite":
		db, err := sql.Open("sqlite", cfg.Audit.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite: %w", err)
		}
		db.SetMaxOpenConns(1)
		store, err := audit.NewSQLiteStore(db, key, algo)
		if err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		return store, func() { _ = db.Close() }, nil
	case "postgres":
		db, err := sql.Open("postgres", cfg.Audit.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		store, err := audit.NewPostgresStore(db, key, algo)
		if err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		return store, func() { _ = db.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown audit backend %q", cfg.Audit.Backend)
	}
}

func buildChannels(cfg *config.Config) ([]alert.Channel, error) {
	channels := make([]alert.Channel, 0, len(cfg.Alerts.Channels))
	for _, entry := range cfg.Alerts.Channels {
		switch entry.Type {
		case alert.ChannelSlack:
			channels = append(channels, alert.NewSlackChannel(entry.ChannelConfig,
				entry.WebhookURL, entry.SlackChannel,
				alert.WithSlackMentions(entry.Mentions...)))
		case alert.ChannelEmail:
			channels = append(channels, alert.NewEmailChannel(entry.ChannelConfig, entry.Email))
		case alert.ChannelWebhook:
			opts := []alert.WebhookOption{alert.WithWebhookHeaders(entry.Headers)}
			if entry.Secret != "" {
				opts = append(opts, alert.WithWebhookSecret([]byte(entry.Secret)))
			}
			channels = append(channels, alert.NewWebhookChannel(entry.ChannelConfig, entry.URL, opts...))
		default:
			return nil, fmt.Errorf("unknown alert channel type %q", entry.Type)
		}
	}
	return channels, nil
}

// scheduleLoop polls for due report schedules until ctx is cancelled.
func (s *server) scheduleLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.ScheduleTick())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, run := range s.schedules.ProcessDueSchedules(ctx) {
				s.log.Info("scheduled report run",
					"schedule", run.ScheduleID, "status", run.Status, "report", run.ReportID)
			}
		}
	}
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("POST /v1/policy/evaluate", s.handleEvaluate)
	mux.HandleFunc("GET /v1/audit/entries", s.handleAuditQuery)
	mux.HandleFunc("GET /v1/audit/verify", s.handleAuditVerify)
	mux.HandleFunc("POST /v1/audit/seal", s.handleAuditSeal)
	mux.HandleFunc("GET /v1/violations", s.handleViolations)
	mux.HandleFunc("POST /v1/reports/generate", s.handleReportGenerate)
	mux.HandleFunc("GET /v1/reports", s.handleReportList)
	mux.HandleFunc("POST /v1/reports/schedules", s.handleScheduleCreate)
	return mux
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// evaluateRequest wraps a policy evaluation with its tenant routing.
type evaluateRequest struct {
	TenantID string                   `json:"tenantId"`
	Request  policy.EvaluationRequest `json:"request"`
}

func (s *server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	ctx, done := s.obs.TrackOperation(r.Context(), "policy.evaluate")
	var opErr error
	defer func() { done(opErr) }()

	var req evaluateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		opErr = err
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	set := s.snapshot.Current()
	if set == nil {
		writeError(w, http.StatusServiceUnavailable, "no policy set installed")
		return
	}

	result, err := s.engine.Evaluate(&req.Request, set)
	if err != nil {
		// A failing evaluation fails closed: the caller gets a deny with a
		// stable reason, and the attempt is still audited below.
		opErr = err
		s.log.Error("policy evaluation failed", "error", err)
		result = &policy.EvaluationResult{
			Allowed: false,
			Effect:  policy.EffectDeny,
			Reason:  "evaluation_error",
		}
	}

	// Every evaluation lands in the audit log; denials also feed the
	// violation detector.
	outcome := "allowed"
	if !result.Allowed {
		outcome = "denied"
	}
	resourceID := req.Request.Resource.Repo
	if req.Request.Resource.Branch != "" {
		resourceID += "@" + req.Request.Resource.Branch
	}
	if _, err := s.ledger.Record(ctx, chain.EntryInput{
		Actor:  audit.Actor{Type: audit.ActorType(req.Request.ActorType), ID: req.Request.Actor},
		Action: audit.Action{Category: "policy", Type: req.Request.Action},
		Resource: &audit.Resource{
			Type: "repo",
			ID:   resourceID,
		},
		Outcome:  audit.Outcome{Status: outcome, Reason: result.Reason},
		Context:  audit.EntryContext{TenantID: req.TenantID, RequestID: req.Request.Context.RequestID},
		HighRisk: !result.Allowed,
	}); err != nil {
		s.log.Error("audit append failed", "error", err)
	}

	if !result.Allowed {
		if _, err := s.detector.DetectFromPolicyEvaluation(ctx, violation.PolicyDenial{
			TenantID:   req.TenantID,
			Actor:      violation.Actor{Type: req.Request.ActorType, ID: req.Request.Actor},
			Resource:   violation.Resource{Type: "repo", ID: resourceID},
			ActionType: req.Request.Action,
			RuleID:     result.MatchedRule,
			Reason:     result.Reason,
		}); err != nil {
			s.log.Error("violation detection failed", "error", err)
		}
	}

	writeJSON(w, http.StatusOK, result)
}

func (s *server) handleAuditQuery(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := audit.Filter{
		TenantID:     q.Get("tenant"),
		Category:     q.Get("category"),
		EventType:    q.Get("type"),
		ActorID:      q.Get("actor"),
		HighRiskOnly: q.Get("highRisk") == "true",
		Descending:   q.Get("order") == "desc",
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Limit = n
		}
	}
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Offset = n
		}
	}

	entries, err := s.auditStore.Query(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries, "count": len(entries)})
}

func (s *server) handleAuditVerify(w http.ResponseWriter, r *http.Request) {
	result, err := audit.VerifyStore(r.Context(), s.auditStore)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	status := http.StatusOK
	if !result.Valid {
		status = http.StatusConflict
	}
	writeJSON(w, status, result)
}

func (s *server) handleAuditSeal(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.auditStore.Seal(r.Context(), req.Reason); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "sealed"})
}

func (s *server) handleViolations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := violation.Filter{TenantID: q.Get("tenant")}
	if v := q.Get("severity"); v != "" {
		filter.Severities = []violation.Severity{violation.Severity(v)}
	}
	if v := q.Get("status"); v != "" {
		filter.Statuses = []violation.Status{violation.Status(v)}
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Limit = n
		}
	}

	found, err := s.violations.Query(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"violations": found, "count": len(found)})
}

func (s *server) handleReportGenerate(w http.ResponseWriter, r *http.Request) {
	ctx, done := s.obs.TrackOperation(r.Context(), "report.generate")
	var opErr error
	defer func() { done(opErr) }()

	var req report.GenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		opErr = err
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	rpt, err := s.generator.Generate(ctx, req)
	if err != nil {
		opErr = err
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, rpt)
}

func (s *server) handleReportList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := report.ListOptions{}
	if v := q.Get("framework"); v != "" {
		opts.Framework = report.FrameworkID(v)
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			opts.Limit = n
		}
	}

	metas, err := s.reports.List(r.Context(), q.Get("tenant"), opts)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reports": metas, "count": len(metas)})
}

func (s *server) handleScheduleCreate(w http.ResponseWriter, r *http.Request) {
	var sched report.Schedule
	if err := json.NewDecoder(r.Body).Decode(&sched); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	created, err := s.schedules.AddSchedule(sched)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
