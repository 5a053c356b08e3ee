package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"orgsim/internal/config"
	"orgsim/internal/domain"
	"orgsim/internal/escalation"
	"orgsim/internal/events"
	"orgsim/internal/knowledge"
	"orgsim/internal/metrics"
	"orgsim/internal/orchestrator"
	"orgsim/internal/patterns"
	"orgsim/internal/review"
	"orgsim/internal/roles"
	"orgsim/internal/routing"
	sqlitestore "orgsim/internal/store/sqlite"
)

type app struct {
	cfg          config.Config
	orchestrator *orchestrator.Service
	reviews      *review.Engine
	knowledge    *knowledge.Validator
	registry     *roles.Registry
	logger       *zap.Logger
}

func main() {
	configPath := flag.String("config", "", "path to config.toml (default: ~/.orgsim/config.toml)")
	addrFlag := flag.String("addr", "", "http listen address override")
	dbPathFlag := flag.String("db", "", "sqlite database path override")
	demo := flag.Bool("demo", false, "bootstrap demo tasks on startup")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = logger.Sync()
	}()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if *configPath != "" {
			logger.Fatal("load config", zap.Error(err))
		}
		cfg = config.Default()
		logger.Info("no config file found, using defaults")
	}

	addr := firstNonEmpty(*addrFlag, cfg.Orchestrator.Addr)
	dbPath := filepath.Clean(firstNonEmpty(*dbPathFlag, cfg.Orchestrator.DBPath))

	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			logger.Fatal("create db directory", zap.Error(err))
		}
	}

	store, err := sqlitestore.Open(dbPath)
	if err != nil {
		logger.Fatal("open sqlite store", zap.Error(err))
	}
	defer func() {
		_ = store.Close()
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := store.Migrate(ctx); err != nil {
		logger.Fatal("migrate sqlite", zap.Error(err))
	}

	registry, err := roles.NewRegistry(roleList(cfg))
	if err != nil {
		logger.Fatal("build role registry", zap.Error(err))
	}

	m := metrics.New()
	bus := events.New(256)

	var svc *orchestrator.Service
	router := routing.New(routing.Config{
		DefaultRole:   cfg.Router.DefaultRole,
		RoleKeywords:  registry.KeywordTable(),
		WorkflowRoles: cfg.Router.Workflows,
		SeniorRoles:   registry.SeniorNames(),
	}, store, func(role string) int { return svc.RoleLoad(role) }, logger)

	detector := escalation.New(escalation.Config{
		ExpenseThreshold:      cfg.Escalation.ExpenseThreshold,
		ContractThreshold:     cfg.Escalation.ContractThreshold,
		RoleExpenseThresholds: registry.ExpenseThresholds(),
	})

	svc = orchestrator.New(orchestrator.Config{
		MaxConcurrent:    cfg.Orchestrator.MaxConcurrent,
		DispatchInterval: durationMS(cfg.Orchestrator.DispatchIntervalMS, 500*time.Millisecond),
		TaskTimeout:      durationMS(cfg.Orchestrator.TaskTimeoutMS, 2*time.Minute),
		MaxRetries:       cfg.Orchestrator.MaxRetries,
	}, store, router, detector, registry, scriptedExecutors(registry), bus, logger, m)

	if err := svc.Rehydrate(ctx); err != nil {
		logger.Warn("queue rehydration failed, starting empty", zap.Error(err))
	}
	svc.Start(ctx)

	policy := review.NewPolicy(registry, logger, m)
	patternDetector := patterns.New(patterns.Config{
		Window:        cfg.Patterns.Window,
		MinSamples:    cfg.Patterns.MinSamples,
		MinConfidence: cfg.Patterns.MinConfidence,
	})
	reviews := review.New(review.Config{
		TrendWindow:       cfg.Review.TrendWindow,
		WarningThreshold:  cfg.Review.WarningThreshold,
		CriticalThreshold: cfg.Review.CriticalThreshold,
		EvaluationWindow:  cfg.Review.EvaluationWindow,
	}, registry, policy, patternDetector, store, svc, logger, m)
	reviews.Start(ctx, durationMS(cfg.Review.IntervalMS, time.Minute))

	validator := knowledge.NewValidator(knowledge.Config{
		Expiry: time.Duration(cfg.Knowledge.ExpiryHours) * time.Hour,
	}, registry, logger)

	if *demo {
		bootstrapDemo(ctx, svc, logger)
	}

	a := &app{
		cfg:          cfg,
		orchestrator: svc,
		reviews:      reviews,
		knowledge:    validator,
		registry:     registry,
		logger:       logger,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", a.handleHealth)
	mux.HandleFunc("/tasks", a.handleTasks)
	mux.HandleFunc("/tasks/", a.handleTaskByID)
	mux.HandleFunc("/escalations", a.handleEscalations)
	mux.HandleFunc("/escalations/", a.handleEscalationByID)
	mux.HandleFunc("/recommendations", a.handleRecommendations)
	mux.HandleFunc("/reviews/run", a.handleRunReview)
	mux.Handle("/metrics", m.Handler())

	server := &http.Server{
		Addr:              addr,
		Handler:           loggingMiddleware(logger, mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info("orgsim started",
		zap.String("addr", addr),
		zap.String("db", dbPath),
		zap.Strings("roles", registry.Names()))

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("http server failed", zap.Error(err))
	}
	svc.Wait()
}

// roleList builds the org chart from config, falling back to a small
// built-in hierarchy so the binary runs without a config file.
func roleList(cfg config.Config) []roles.Role {
	if len(cfg.Roles) == 0 {
		return defaultRoles()
	}
	out := make([]roles.Role, 0, len(cfg.Roles))
	for _, rc := range cfg.Roles {
		out = append(out, roles.Role{
			Name:                    rc.Name,
			Persona:                 rc.Persona,
			Supervisor:              rc.Supervisor,
			Senior:                  rc.Senior,
			ExpenseThreshold:        rc.ExpenseThreshold,
			ContractThreshold:       rc.ContractThreshold,
			Keywords:                rc.Keywords,
			ReviewCadence:           time.Duration(rc.ReviewCadenceMS) * time.Millisecond,
			ConsecutiveFailureLimit: rc.ConsecutiveFailureLimit,
		})
	}
	return out
}

func defaultRoles() []roles.Role {
	return []roles.Role{
		{Name: "coordinator", Senior: true},
		{Name: "cfo", Senior: true, Keywords: []string{"budget", "invoice", "forecast", "expense"}},
		{Name: "cto", Senior: true, Keywords: []string{"deploy", "architecture", "infrastructure", "outage"}},
		{Name: "chro", Senior: true, Keywords: []string{"hiring", "onboarding", "benefits"}},
		{Name: "accountant", Supervisor: "cfo", Keywords: []string{"bookkeeping", "reconcile"}},
		{Name: "analyst", Supervisor: "cfo", Keywords: []string{"report", "model"}},
		{Name: "engineer", Supervisor: "cto", Keywords: []string{"bug", "pipeline"}},
		{Name: "recruiter", Supervisor: "chro", Keywords: []string{"candidate", "interview"}},
	}
}

// scriptedExecutors attaches a deterministic execution capability to every
// role. The real completion service is an external collaborator and plugs in
// through the same Executor interface.
func scriptedExecutors(registry *roles.Registry) map[string]roles.Executor {
	out := make(map[string]roles.Executor)
	for _, name := range registry.Names() {
		out[name] = &roles.ScriptedExecutor{Delay: 150 * time.Millisecond}
	}
	return out
}

func bootstrapDemo(ctx context.Context, svc *orchestrator.Service, logger *zap.Logger) {
	due := time.Now().UTC().Add(24 * time.Hour)
	seed := []orchestrator.EnqueueInput{
		{Content: "Prepare the quarterly budget forecast", Priority: domain.PriorityHigh, DueDate: &due},
		{Content: "Reconcile last month's vendor invoices", Priority: domain.PriorityMedium},
		{Content: "Investigate the deploy pipeline outage", Priority: domain.PriorityCritical},
		{Content: "Draft onboarding plan for the new hiring round", Priority: domain.PriorityLow},
	}
	for _, in := range seed {
		task, err := svc.Enqueue(ctx, in)
		if err != nil {
			logger.Warn("demo task not queued", zap.Error(err))
			continue
		}
		logger.Info("demo task queued", zap.String("task", task.ID), zap.String("role", task.AssignedRole))
	}
}

func (a *app) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *app) handleTasks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, a.orchestrator.ListTasks())
	case http.MethodPost:
		var req struct {
			Content         string   `json:"content"`
			Notes           string   `json:"notes"`
			Priority        string   `json:"priority"`
			AssignedRole    string   `json:"assigned_role"`
			Workflow        string   `json:"workflow"`
			DueSeconds      int      `json:"due_seconds"`
			BlockedBy       []string `json:"blocked_by"`
			EstimateMinutes float64  `json:"estimate_minutes"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json body: %w", err))
			return
		}
		if strings.TrimSpace(req.Content) == "" {
			writeError(w, http.StatusBadRequest, fmt.Errorf("content is required"))
			return
		}
		var due *time.Time
		if req.DueSeconds > 0 {
			v := time.Now().UTC().Add(time.Duration(req.DueSeconds) * time.Second)
			due = &v
		}
		task, err := a.orchestrator.Enqueue(r.Context(), orchestrator.EnqueueInput{
			Content:         req.Content,
			Notes:           req.Notes,
			Priority:        domain.ParsePriority(req.Priority),
			AssignedRole:    req.AssignedRole,
			Workflow:        req.Workflow,
			DueDate:         due,
			BlockedBy:       req.BlockedBy,
			EstimateMinutes: req.EstimateMinutes,
		})
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, orchestrator.ErrDuplicateTask) || errors.Is(err, orchestrator.ErrUnknownRole) {
				status = http.StatusBadRequest
			}
			writeError(w, status, err)
			return
		}
		writeJSON(w, http.StatusCreated, task)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (a *app) handleTaskByID(w http.ResponseWriter, r *http.Request) {
	trimmed := strings.TrimPrefix(r.URL.Path, "/tasks/")
	parts := strings.Split(trimmed, "/")
	taskID := parts[0]
	if taskID == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("task id is required"))
		return
	}

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		task, err := a.orchestrator.GetTask(taskID)
		if err != nil {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeJSON(w, http.StatusOK, task)
		return
	}

	if parts[1] == "cancel" && r.Method == http.MethodPost {
		if err := a.orchestrator.Cancel(r.Context(), taskID); err != nil {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "cancelled", "task_id": taskID})
		return
	}
	w.WriteHeader(http.StatusMethodNotAllowed)
}

func (a *app) handleEscalations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	status := domain.EscalationStatus(r.URL.Query().Get("status"))
	writeJSON(w, http.StatusOK, a.orchestrator.ListEscalations(status))
}

func (a *app) handleEscalationByID(w http.ResponseWriter, r *http.Request) {
	trimmed := strings.TrimPrefix(r.URL.Path, "/escalations/")
	parts := strings.Split(trimmed, "/")
	if len(parts) != 2 || parts[1] != "resolve" || r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Decision string `json:"decision"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json body: %w", err))
		return
	}
	if strings.TrimSpace(req.Decision) == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decision is required"))
		return
	}
	esc, err := a.orchestrator.ResolveEscalation(r.Context(), parts[0], req.Decision)
	if err != nil {
		status := http.StatusNotFound
		if errors.Is(err, orchestrator.ErrEscalationResolved) {
			status = http.StatusConflict
		}
		writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusOK, esc)
}

func (a *app) handleRecommendations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		TeamLead       string   `json:"team_lead"`
		Type           string   `json:"type"`
		Content        string   `json:"content"`
		TargetPattern  string   `json:"target_pattern"`
		ExpectedImpact string   `json:"expected_impact"`
		Reasoning      string   `json:"reasoning"`
		Sources        []string `json:"sources"`
		TargetRole     string   `json:"target_role"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json body: %w", err))
		return
	}
	rec, err := a.knowledge.Admit(domain.Recommendation{
		Type:           req.Type,
		Content:        req.Content,
		TargetPattern:  req.TargetPattern,
		ExpectedImpact: req.ExpectedImpact,
		Reasoning:      req.Reasoning,
		Sources:        req.Sources,
		TargetRole:     req.TargetRole,
	}, req.TeamLead)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (a *app) handleRunReview(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Reviewer string `json:"reviewer"`
		Target   string `json:"target"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json body: %w", err))
		return
	}
	rev, err := a.reviews.RunCycle(r.Context(), req.Reviewer, req.Target)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, rev)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]any{
		"error": err.Error(),
	})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func loggingMiddleware(logger *zap.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("elapsed", time.Since(start)))
	})
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func durationMS(v int, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return time.Duration(v) * time.Millisecond
}
