package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/beadhub/beadhub/internal/identity"
	"github.com/beadhub/beadhub/internal/ratelimit"
	"github.com/beadhub/beadhub/internal/services/escalation"
	"github.com/beadhub/beadhub/internal/services/events"
	"github.com/beadhub/beadhub/internal/services/outbox"
	"github.com/beadhub/beadhub/internal/services/policy"
	"github.com/beadhub/beadhub/internal/services/presence"
	"github.com/beadhub/beadhub/internal/services/project"
	"github.com/beadhub/beadhub/internal/services/repo"
	"github.com/beadhub/beadhub/internal/services/subscription"
	beadsync "github.com/beadhub/beadhub/internal/services/sync"
	"github.com/beadhub/beadhub/internal/services/workspace"
	"github.com/beadhub/beadhub/pkg/config"
	"github.com/beadhub/beadhub/pkg/database"
	"github.com/beadhub/beadhub/pkg/health"
	"github.com/beadhub/beadhub/pkg/logger"
)

// Engine wires the storage layers, the domain services, and the HTTP
// server together.
type Engine struct {
	settings *config.Settings
	db       *database.PostgreSQL
	redis    *database.Redis
	logger   *logger.Logger
	health   *health.Checker

	identity      *identity.Store
	projects      *project.Service
	repos         *repo.Service
	workspaces    *workspace.Service
	policies      *policy.Service
	subscriptions *subscription.Service
	outbox        *outbox.Service
	syncer        *beadsync.Service
	escalations   *escalation.Service
	presence      *presence.Service
	bus           *events.Bus
	initLimiter   *ratelimit.Limiter

	server *http.Server
	state  struct {
		sync.Mutex
		isRunning         bool
		ongoingOperations int32
	}
	metrics struct {
		requestsProcessed int64
		errors            int64
	}
}

// NewEngine builds the full service graph over the given stores.
func NewEngine(settings *config.Settings, db *database.PostgreSQL, rdb *database.Redis, log *logger.Logger) *Engine {
	e := &Engine{
		settings: settings,
		db:       db,
		redis:    rdb,
		logger:   log,
		health:   health.NewChecker(),
	}

	e.identity = identity.NewStore(db.Pool())
	e.bus = events.NewBus(rdb.Client(), log)
	e.presence = presence.NewService(rdb.Client(), e.bus, log, settings.PresenceTTL)
	e.policies = policy.NewService(db, log)
	e.subscriptions = subscription.NewService(db, log)
	e.outbox = outbox.NewService(db, e.identity, e.identity, log, settings.OutboxInterval)
	e.syncer = beadsync.NewService(db, e.policies, e.outbox, e.bus, log)
	e.repos = repo.NewService(db, e.presence, log)
	e.workspaces = workspace.NewService(db, e.presence, log)
	e.projects = project.NewService(db, e.identity, e.policies, log)
	e.escalations = escalation.NewService(db, e.outbox, e.bus, log, settings.EscalationTTL)
	e.initLimiter = ratelimit.New(rdb.Client(), "ratelimit:init",
		settings.InitRateLimit, settings.InitRateWindow)

	return e
}

// RunHealthChecks probes the backing stores and records the results.
func (e *Engine) RunHealthChecks(ctx context.Context) {
	e.health.RunCheck("postgres", func() error { return e.db.Ping(ctx) })
	e.health.RunCheck("redis", func() error { return e.redis.Ping(ctx) })
}

// Start brings up the HTTP server. Background loops (outbox drain,
// escalation expiry) are exposed via Outbox().Run and
// Escalations().Run so the caller owns their lifecycle.
func (e *Engine) Start(ctx context.Context) error {
	e.state.Lock()
	if e.state.isRunning {
		e.state.Unlock()
		return fmt.Errorf("engine is already running")
	}
	e.state.isRunning = true
	e.state.Unlock()

	e.server = &http.Server{
		Addr:              e.settings.Addr(),
		Handler:           NewServer(e),
		ReadHeaderTimeout: 10 * time.Second,
	}

	e.logger.Infof("Starting HTTP server on %s", e.settings.Addr())
	go func() {
		if err := e.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			e.logger.Errorf("HTTP server error: %v", err)
			atomic.AddInt64(&e.metrics.errors, 1)
		}
	}()

	return nil
}

// Stop shuts the HTTP server down gracefully.
func (e *Engine) Stop(ctx context.Context) error {
	e.state.Lock()
	if !e.state.isRunning {
		e.state.Unlock()
		return nil
	}
	e.state.isRunning = false
	e.state.Unlock()

	if e.server != nil {
		return e.server.Shutdown(ctx)
	}
	return nil
}

func (e *Engine) TrackOperation() {
	atomic.AddInt32(&e.state.ongoingOperations, 1)
	atomic.AddInt64(&e.metrics.requestsProcessed, 1)
}

func (e *Engine) UntrackOperation() {
	atomic.AddInt32(&e.state.ongoingOperations, -1)
}

func (e *Engine) GetMetrics() map[string]int64 {
	return map[string]int64{
		"requests_processed": atomic.LoadInt64(&e.metrics.requestsProcessed),
		"errors":             atomic.LoadInt64(&e.metrics.errors),
	}
}

func (e *Engine) Settings() *config.Settings         { return e.settings }
func (e *Engine) Health() *health.Checker            { return e.health }
func (e *Engine) Identity() *identity.Store          { return e.identity }
func (e *Engine) Projects() *project.Service         { return e.projects }
func (e *Engine) Repos() *repo.Service               { return e.repos }
func (e *Engine) Workspaces() *workspace.Service     { return e.workspaces }
func (e *Engine) Policies() *policy.Service          { return e.policies }
func (e *Engine) Subscriptions() *subscription.Service { return e.subscriptions }
func (e *Engine) Outbox() *outbox.Service            { return e.outbox }
func (e *Engine) Syncer() *beadsync.Service          { return e.syncer }
func (e *Engine) Escalations() *escalation.Service   { return e.escalations }
func (e *Engine) Presence() *presence.Service        { return e.presence }
func (e *Engine) Bus() *events.Bus                   { return e.bus }
