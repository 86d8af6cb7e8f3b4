package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/sync/singleflight"
	"helpdesk/internal/util"
	"helpdesk/pkg/domain"
	"helpdesk/pkg/events"
	"helpdesk/pkg/queue"
	"helpdesk/pkg/recommend"
	"helpdesk/pkg/store"
)

const defaultSummaryCacheSize = 512

// JobQueue accepts background jobs.
type JobQueue interface {
	Enqueue(ctx context.Context, kind, ref string) (queue.Job, error)
}

// Config holds runtime configuration for the routing application.
type Config struct {
	DatabaseURL string
	Store       store.Store
	// Gateway defaults to a disabled backend.
	Gateway *recommend.Gateway
	// Jobs receives auto-assign and auto-reply work. Nil drops jobs with a warning.
	Jobs JobQueue
	// Events defaults to a no-op publisher.
	Events           events.Publisher
	SummaryCacheSize int
	// Now overrides the clock; used by tests.
	Now func() time.Time
}

// App is the routing engine: conversation state machine, job handlers and
// queue projections over one store.
type App struct {
	store     store.Store
	gateway   *recommend.Gateway
	jobs      JobQueue
	events    events.Publisher
	summaries *lru.Cache
	inflight  singleflight.Group
	now       func() time.Time
}

// New constructs the application with database-backed storage unless a store
// is supplied.
func New(cfg Config) (*App, error) {
	dataStore := cfg.Store
	if dataStore == nil {
		if strings.TrimSpace(cfg.DatabaseURL) == "" {
			return nil, fmt.Errorf("database URL required")
		}
		var err error
		dataStore, err = store.NewGormStore(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("init store: %w", err)
		}
	}
	gateway := cfg.Gateway
	if gateway == nil {
		gateway = recommend.New(recommend.Config{})
	}
	publisher := cfg.Events
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	size := cfg.SummaryCacheSize
	if size <= 0 {
		size = defaultSummaryCacheSize
	}
	cache, err := lru.New(size)
	if err != nil {
		return nil, fmt.Errorf("init summary cache: %w", err)
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &App{
		store:     dataStore,
		gateway:   gateway,
		jobs:      cfg.Jobs,
		events:    publisher,
		summaries: cache,
		now:       func() time.Time { return now().UTC() },
	}, nil
}

// Gateway exposes the recommendation gateway for diagnostics.
func (a *App) Gateway() *recommend.Gateway {
	return a.gateway
}

// EnsureUser mirrors an authenticated identity into the users table and
// returns the stored record.
func (a *App) EnsureUser(ctx context.Context, identity domain.User) (domain.User, error) {
	identity.ID = strings.TrimSpace(identity.ID)
	identity.Username = strings.TrimSpace(identity.Username)
	if identity.ID == "" {
		return domain.User{}, fmt.Errorf("%w: user id required", ErrValidation)
	}
	if identity.Username == "" {
		identity.Username = identity.ID
	}
	if existing, ok, err := a.store.GetUserByID(identity.ID); err != nil {
		return domain.User{}, fmt.Errorf("load user: %w", err)
	} else if ok {
		return existing, nil
	}
	identity.CreatedAt = a.now()
	if err := a.store.SaveUser(identity); err != nil {
		return domain.User{}, fmt.Errorf("save user: %w", err)
	}
	user, ok, err := a.store.GetUserByID(identity.ID)
	if err != nil {
		return domain.User{}, fmt.Errorf("load user: %w", err)
	}
	if !ok {
		return domain.User{}, fmt.Errorf("user %s missing after save", identity.ID)
	}
	util.LoggerFromContext(ctx).Info("user mirrored", "user_id", user.ID, "username", user.Username)
	return user, nil
}

// enqueue hands a job to the queue. Failures are logged and never surfaced;
// the caller's state change has already committed.
func (a *App) enqueue(ctx context.Context, kind, ref string) {
	logger := util.LoggerFromContext(ctx)
	if a.jobs == nil {
		logger.Warn("job queue not configured, dropping job", "kind", kind, "ref", ref)
		return
	}
	job, err := a.jobs.Enqueue(ctx, kind, ref)
	if err != nil {
		logger.Error("enqueue job failed", "kind", kind, "ref", ref, "err", err)
		return
	}
	logger.Info("job enqueued", "job_id", job.ID, "kind", kind, "ref", ref)
}

func (a *App) publish(ctx context.Context, evt events.AssignmentEvent) {
	if err := a.events.Publish(ctx, evt); err != nil {
		util.LoggerFromContext(ctx).Warn("publish assignment event failed", "type", evt.Type, "conversation_id", evt.ConversationID, "err", err)
	}
}
