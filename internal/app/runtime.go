package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"duewatch/internal/channel"
	"duewatch/internal/config"
	"duewatch/internal/db"
	"duewatch/internal/domain"
	"duewatch/internal/engine"
	"duewatch/internal/logging"
	"duewatch/internal/migrate"
	"duewatch/internal/repo"
)

// Runtime is an opened workspace: migrated database, loaded config and a
// fully wired engine.
type Runtime struct {
	DB     *sql.DB
	Config *config.Config
	Engine engine.Engine
	Logger *slog.Logger
	Redis  *redis.Client
}

// Open loads duewatch.yml from workspace (defaults when absent), opens and
// migrates the database and wires the engine with the configured transports.
func Open(ctx context.Context, workspace string, logOut io.Writer) (*Runtime, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	logger := logging.New(cfg.Logging.Level, cfg.Logging.Format, logOut)
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if _, err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	rt := &Runtime{DB: conn, Config: cfg, Logger: logger}
	if cfg.Redis.Addr != "" {
		rt.Redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}
	rt.Engine, err = BuildEngine(conn, cfg, logger, rt.Redis)
	if err != nil {
		rt.Close()
		return nil, err
	}
	return rt, nil
}

// Close releases the database and the redis client.
func (rt *Runtime) Close() error {
	var errs []error
	if rt.Redis != nil {
		errs = append(errs, rt.Redis.Close())
	}
	if rt.DB != nil {
		errs = append(errs, rt.DB.Close())
	}
	return errors.Join(errs...)
}

// BuildEngine wires an engine over conn. rdb may be nil, in which case
// in-app notifications are only stored.
func BuildEngine(conn *sql.DB, cfg *config.Config, logger *slog.Logger, rdb *redis.Client) (engine.Engine, error) {
	e, err := engine.New(conn, cfg, logger)
	if err != nil {
		return engine.Engine{}, err
	}
	e.Dispatcher.Transports = Transports(cfg, e.Repo, logger)
	if rdb != nil {
		e.Dispatcher.Publisher = channel.RedisPublisher{Client: rdb}
	}
	return e, nil
}

// Transports builds the channel registry from config. Channels with no
// endpoint configured log instead of sending.
func Transports(cfg *config.Config, users channel.EmailLookup, logger *slog.Logger) channel.Registry {
	fallback := channel.LogTransport{Logger: logger}
	reg := channel.Registry{
		domain.ChannelEmail: fallback,
		domain.ChannelSlack: fallback,
		domain.ChannelTeams: fallback,
	}
	t := cfg.Transports
	if t.Slack.URL != "" {
		reg[domain.ChannelSlack] = channel.Webhook{URL: t.Slack.URL, Secret: t.Slack.Secret, Timeout: t.Slack.Timeout}
	}
	if t.Teams.URL != "" {
		reg[domain.ChannelTeams] = channel.Webhook{URL: t.Teams.URL, Secret: t.Teams.Secret, Timeout: t.Teams.Timeout}
	}
	if t.Email.Host != "" {
		reg[domain.ChannelEmail] = channel.SMTP{
			Host:     t.Email.Host,
			Port:     t.Email.Port,
			Username: t.Email.Username,
			Password: t.Email.Password,
			From:     t.Email.From,
			Users:    users,
		}
	}
	return reg
}

// Repo returns a repository over the runtime database.
func (rt *Runtime) Repo() repo.Repo {
	return repo.Repo{DB: rt.DB}
}
