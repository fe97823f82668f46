package engine

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"ttm/internal/config"
	"ttm/internal/events"
	"ttm/internal/observability"
	"ttm/internal/positions"
	"ttm/internal/rbac"
	"ttm/internal/repo"
)

type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Events    events.Writer
	RBAC      rbac.Evaluator
	Roles     rbac.Service
	Config    *config.Config
	Publisher events.Publisher
	Positions positions.Store
	Metrics   *observability.Metrics
	Logger    *logrus.Logger
	Locks     *MissionLocks
	Now       func() time.Time
}

// New wires an engine over db. Positions default to an in-memory store and
// published messages are discarded until a Publisher is set.
func New(db *sql.DB, cfg *config.Config) (Engine, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	aliases, err := cfg.AliasTable()
	if err != nil {
		return Engine{}, fmt.Errorf("rbac aliases: %w", err)
	}
	return Engine{
		DB:        db,
		Repo:      repo.Repo{DB: db},
		Events:    events.Writer{},
		RBAC:      rbac.NewEvaluator(aliases),
		Roles:     rbac.Service{DB: db},
		Config:    cfg,
		Publisher: events.Discard,
		Positions: positions.NewMemoryStore(cfg.Positions.Capacity, cfg.Positions.TTL),
		Logger:    observability.Discard(),
		Locks:     NewMissionLocks(),
		Now:       time.Now,
	}, nil
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) timestamp() string {
	return e.now().UTC().Format(time.RFC3339Nano)
}

func (e Engine) log() *logrus.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return logrus.StandardLogger()
}

// publish hands a committed change to the fan-out. It never blocks on
// subscribers.
func (e Engine) publish(msgs ...events.Message) {
	if e.Publisher == nil {
		return
	}
	for _, msg := range msgs {
		e.Publisher.Publish(msg)
		e.Metrics.Fanout(msg.Name)
	}
}

func (e Engine) dispatch() config.Dispatch {
	if e.Config == nil {
		return config.Default().Dispatch
	}
	return e.Config.Dispatch
}
