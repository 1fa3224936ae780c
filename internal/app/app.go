package app

import (
	"context"
	"errors"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"spend-anomalies/internal/alerting"
	"spend-anomalies/internal/config"
	"spend-anomalies/internal/ingest"
	"spend-anomalies/internal/scheduler"
	"spend-anomalies/internal/service"
	"spend-anomalies/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config  *config.Config
	Logger  zerolog.Logger
	Session string
	Out     io.Writer
}

// NewApp constructs a new application handle. An empty session falls back
// to the configured one.
func NewApp(cfg *config.Config, session string, logger zerolog.Logger) *App {
	return &App{
		Config:  cfg,
		Logger:  logger.With().Str("component", "app").Logger(),
		Session: cfg.ResolveSession(session),
		Out:     os.Stdout,
	}
}

// NewSessionID returns a generated session id.
func NewSessionID() string {
	return uuid.NewString()
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger)
	}
	return nil
}

// newSource picks the transaction source. input overrides the configured
// CSV path. A nil source means the stored transactions are used as is.
func (a *App) newSource(input string) (ingest.Source, error) {
	loc, err := ingest.LoadLocation(a.Config.Ingest.Location)
	if err != nil {
		return nil, err
	}
	if input != "" {
		return ingest.NewCSVSource(input, loc, a.Logger), nil
	}

	cfg := a.Config.Ingest
	switch cfg.Source {
	case "http":
		if cfg.URL == "" {
			return nil, nil
		}
		return ingest.NewHTTPSource(ingest.HTTPOptions{
			URL:       cfg.URL,
			Token:     cfg.Token,
			Timeout:   cfg.RequestTimeout,
			UserAgent: cfg.UserAgent,
			Location:  loc,
		}, a.Logger), nil
	default:
		if cfg.Path == "" {
			return nil, nil
		}
		return ingest.NewCSVSource(cfg.Path, loc, a.Logger), nil
	}
}

type backend struct {
	txns   storage.TransactionStore
	states storage.StateStore
	flags  storage.FlagStore
	close  func()
}

// openBackend selects PostgreSQL when a DSN is configured and the file
// store otherwise.
func (a *App) openBackend(ctx context.Context) (*backend, error) {
	if a.Config.Database.DSN == "" {
		store, err := storage.NewFileStore(a.Config.Storage.Dir, a.Logger)
		if err != nil {
			return nil, err
		}
		a.Logger.Debug().Str("path", store.Path()).Msg("using file store")
		return &backend{txns: store, states: store, close: func() {}}, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database, a.Config.App.Name)
	if err != nil {
		return nil, err
	}
	if err := storage.ApplyMigrations(ctx, pool, a.Config.Database.MigrationsPath, a.Logger); err != nil {
		pool.Close()
		return nil, err
	}
	loc, err := ingest.LoadLocation(a.Config.Ingest.Location)
	if err != nil {
		pool.Close()
		return nil, err
	}
	store := storage.NewStore(pool, loc)
	return &backend{txns: store, states: store, flags: store, close: store.Close}, nil
}

func (a *App) newService(ctx context.Context, sched *scheduler.Scheduler, input string) (*service.Service, func(), error) {
	source, err := a.newSource(input)
	if err != nil {
		return nil, nil, err
	}
	be, err := a.openBackend(ctx)
	if err != nil {
		return nil, nil, err
	}
	svc := service.New(a.Config, a.Session, sched, source, be.txns, be.states, be.flags, a.newNotifier(), a.Logger)
	return svc, be.close, nil
}

// Watch runs scans on the configured cadence until interrupted.
func (a *App) Watch(ctx context.Context, input string) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	sched := scheduler.New(scheduler.Options{
		Interval:     a.Config.Scheduler.Interval,
		AlignToStart: a.Config.Scheduler.AlignToBucket,
		StartupDelay: a.Config.Scheduler.StartupDelay,
		Immediate:    true,
	}, a.Logger)

	svc, closeBackend, err := a.newService(ctx, sched, input)
	if err != nil {
		return err
	}
	defer closeBackend()

	a.Logger.Info().Str("session", a.Session).Msg("starting watch loop")
	err = svc.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("watch loop terminated with error")
		return err
	}

	a.Logger.Info().Msg("watch loop stopped")
	return nil
}

// ScanOptions configure the scan command.
type ScanOptions struct {
	Input string
}

// ExportOptions hold parameters for exporting transactions and flags.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	Category  string
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// FlagsOptions configure the flags command.
type FlagsOptions struct {
	All   bool
	Limit int
}
