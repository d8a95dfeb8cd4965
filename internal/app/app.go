package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"fieldsync-go/internal/auth"
	"fieldsync-go/internal/backend"
	"fieldsync-go/internal/config"
	"fieldsync-go/internal/database"
	"fieldsync-go/internal/encryption"
	"fieldsync-go/internal/fieldsync"
	"fieldsync-go/internal/kv"
	"fieldsync-go/internal/leader"
	"fieldsync-go/internal/model"
	"fieldsync-go/internal/schema"
)

// LeaderLockName is the lock file inside the base dir that elects the
// process driving replication.
const LeaderLockName = "leader.lock"

// App is the application layer between the CLI and the fieldsync Service.
// It constructs all dependencies from config and releases them on Close.
type App struct {
	cfg     *config.Config
	store   *database.SQLiteStore
	backend fieldsync.Backend
	session *auth.Session
	service *fieldsync.Service
	op      *Operation
	logger  fieldsync.Logger
	logFile *os.File
}

// NewApp creates a fully wired App from the given config. operation names
// the CLI command being run and tags every log line. passphrase unlocks the
// age key when the config seals backend payloads. The caller must call Close.
func NewApp(ctx context.Context, cfg *config.Config, operation, passphrase string) (*App, error) {
	op := NewOperation(operation, time.Now())
	logger, logFile, err := newLogger(cfg.LogDir, op.ID, ParseLevel(cfg.LogLevel))
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	a := &App{cfg: cfg, op: op, logger: &slogAdapter{l: logger}, logFile: logFile}

	if err := a.wire(ctx, passphrase); err != nil {
		a.closeResources()
		logFile.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) wire(ctx context.Context, passphrase string) error {
	cfg := a.cfg

	store, err := database.NewStoreFromConfig(cfg.Store)
	if err != nil {
		return fmt.Errorf("creating store: %w", err)
	}
	a.store = store
	if err := store.CheckMigrations(); err != nil {
		return fmt.Errorf("store schema out of date: %w", err)
	}

	sets, err := kv.NewFromConfig(cfg.SyncSets)
	if err != nil {
		return fmt.Errorf("creating sync sets: %w", err)
	}

	session, err := OpenSession(cfg)
	if err != nil {
		return err
	}
	a.session = session

	var sealer backend.Sealer
	if cfg.Backend.Seal {
		s, err := encryption.NewSealerFromConfig(cfg.Encryption, passphrase)
		if err != nil {
			return fmt.Errorf("creating sealer: %w", err)
		}
		if s != nil {
			sealer = s
		}
	}

	b, err := backend.NewBackendFromConfig(ctx, cfg.Backend, sealer, session)
	if err != nil {
		return fmt.Errorf("creating backend: %w", err)
	}
	a.backend = b

	registry, err := schema.NewRegistry()
	if err != nil {
		return fmt.Errorf("loading schemas: %w", err)
	}

	svc, err := fieldsync.NewService(fieldsync.Deps{
		Store:    store,
		Backend:  b,
		KV:       sets,
		Registry: registry,
		Elector:  leader.NewFileElector(filepath.Join(cfg.BaseDir, LeaderLockName)),
		Session:  session,
		Logger:   a.logger,
		Clock:    fieldsync.RealClock{},
		IDs:      fieldsync.UUIDGenerator{},
	}, ServiceOptions(cfg))
	if err != nil {
		return fmt.Errorf("creating service: %w", err)
	}
	a.service = svc
	return nil
}

// OpenSession opens the persisted session without wiring the rest of the
// app, for commands that only sign in or out.
func OpenSession(cfg *config.Config) (*auth.Session, error) {
	if cfg.Session.TokenPath == "" {
		return nil, fmt.Errorf("session token_path not configured")
	}
	store, err := kv.NewFileStore(cfg.Session.TokenPath)
	if err != nil {
		return nil, fmt.Errorf("opening session: %w", err)
	}
	return auth.NewSession(store, nil), nil
}

// ServiceOptions converts the config sections into service options. Unset
// values are left zero so the service applies its defaults.
func ServiceOptions(cfg *config.Config) fieldsync.Options {
	return fieldsync.Options{
		Replication: fieldsync.ReplicationOptions{
			BatchSize:    cfg.Replication.BatchSize,
			PollInterval: cfg.Replication.PollInterval.Std(),
			BackoffBase:  cfg.Replication.BackoffBase.Std(),
			BackoffMax:   cfg.Replication.BackoffMax.Std(),
		},
		Readiness: fieldsync.ReadinessOptions{
			PollInterval: cfg.Readiness.PollInterval.Std(),
			ReadyTimeout: cfg.Readiness.ReadyTimeout.Std(),
			AuthWait:     cfg.Readiness.AuthWait.Std(),
		},
		Watchdog: fieldsync.WatchdogOptions{
			CycleInterval:  cfg.Watchdog.CycleInterval.Std(),
			DowngradeAfter: cfg.Watchdog.DowngradeAfter.Std(),
		},
	}
}

// Service exposes the wired service for commands that need more than the
// helpers below.
func (a *App) Service() *fieldsync.Service { return a.service }

// Start launches replication in the background.
func (a *App) Start(ctx context.Context) error {
	return a.service.Start(ctx)
}

// WatchSession follows sign-ins and sign-outs made by other processes until
// ctx ends: gaining a session restarts replication from the persisted
// opt-ins and losing it purges shared files.
func (a *App) WatchSession(ctx context.Context) error {
	events, err := a.session.Watch(ctx)
	if err != nil {
		return fmt.Errorf("watching session: %w", err)
	}
	if events == nil {
		return nil
	}
	authed, err := a.session.Authenticated(ctx)
	if err != nil {
		return err
	}
	go func() {
		for range events {
			now, err := a.session.Authenticated(ctx)
			if err != nil || now == authed {
				continue
			}
			authed = now
			if now {
				a.logger.Info("session started elsewhere, restarting replication")
				if err := a.service.SignInRestart(ctx); err != nil {
					a.logger.Warn("sign-in restart", "error", err)
				}
				continue
			}
			a.logger.Info("session ended elsewhere, purging shared files")
			if err := a.service.SignOutPurge(ctx); err != nil {
				a.logger.Warn("sign-out purge", "error", err)
			}
		}
	}()
	return nil
}

// CreateFile creates a file with the given display name.
func (a *App) CreateFile(ctx context.Context, name string, shared bool) (string, error) {
	meta := map[string]any{}
	if name != "" {
		meta["name"] = name
	}
	id, err := a.service.CreateFile(ctx, shared, meta)
	return id, a.op.Record(err)
}

// OpenFile resolves a file and, for shared files, opts it into replication.
func (a *App) OpenFile(ctx context.Context, fileID string) (fieldsync.OpenResult, error) {
	res, err := a.service.RequestOpen(ctx, fileID)
	return res, a.op.Record(err)
}

func (a *App) DeleteFile(ctx context.Context, fileID string) (fieldsync.CascadeReport, error) {
	report, err := a.service.DeleteFile(ctx, fileID)
	return report, a.op.Record(err)
}

func (a *App) Files(ctx context.Context) ([]model.File, error) {
	return a.service.Files(ctx)
}

func (a *App) AddTeam(ctx context.Context, fileID, name string) (*model.Team, error) {
	team, err := a.service.AddTeam(ctx, fileID, name)
	return team, a.op.Record(err)
}

func (a *App) RemoveTeam(ctx context.Context, fileID, teamID string) error {
	return a.op.Record(a.service.RemoveTeam(ctx, fileID, teamID))
}

func (a *App) Teams(ctx context.Context, fileID string, includeRemoved bool) ([]model.Team, error) {
	return a.service.Teams(ctx, fileID, includeRemoved)
}

// AppendLog records a note from the given team, or from the operator when
// fromTeam is empty.
func (a *App) AppendLog(ctx context.Context, fileID, fromTeam, message string) (*model.Log, error) {
	entry, err := a.service.AppendLog(ctx, model.Log{FileID: fileID, FromTeam: fromTeam, Type: model.LogNote, Message: message})
	return entry, a.op.Record(err)
}

func (a *App) Logs(ctx context.Context, fileID string) ([]model.Log, error) {
	return a.service.Logs(ctx, fileID)
}

// SignIn stores token and restarts replication from the persisted opt-ins.
func (a *App) SignIn(ctx context.Context, token string) (*auth.Claims, error) {
	claims, err := a.session.SignIn(token)
	if err != nil {
		return nil, a.op.Record(err)
	}
	return claims, a.op.Record(a.service.SignInRestart(ctx))
}

// SignOut purges every shared file from this device and forgets the session.
// Local files are kept.
func (a *App) SignOut(ctx context.Context) error {
	purgeErr := a.service.SignOutPurge(ctx)
	return a.op.Record(errors.Join(purgeErr, a.session.SignOut()))
}

func (a *App) Status(ctx context.Context) (fieldsync.Status, error) {
	return a.service.Status(ctx)
}

// StoreStats reports per-collection document counts of the local store.
func (a *App) StoreStats(ctx context.Context) (map[fieldsync.Collection]database.Stats, error) {
	return a.store.Stats(ctx)
}

// Close stops the service and releases every resource, returning the first
// error encountered.
func (a *App) Close() error {
	firstErr := a.closeResources()
	a.logger.Info("operation finished", "operation", a.op.Name, "status", a.op.Status, "duration", a.op.Elapsed(time.Now()))
	if a.logFile != nil {
		a.logFile.Close()
	}
	return firstErr
}

func (a *App) closeResources() error {
	var firstErr error
	keep := func(err error, what string) {
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing %s: %w", what, err)
		}
	}
	if a.service != nil {
		keep(a.service.Close(), "service")
	}
	if a.backend != nil {
		keep(a.backend.Close(), "backend")
	}
	if a.store != nil {
		keep(a.store.Close(), "store")
	}
	return firstErr
}
