// Package daemon assembles the per-profile daemon: the reconciliation core,
// the backend connection, the local archive and the gRPC API.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/config"
	"github.com/matheus3301/chatsync/internal/entity"
	"github.com/matheus3301/chatsync/internal/live"
	"github.com/matheus3301/chatsync/internal/lock"
	"github.com/matheus3301/chatsync/internal/logging"
	"github.com/matheus3301/chatsync/internal/messenger"
	"github.com/matheus3301/chatsync/internal/optimistic"
	"github.com/matheus3301/chatsync/internal/pagination"
	"github.com/matheus3301/chatsync/internal/profile"
	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/remote/ws"
	"github.com/matheus3301/chatsync/internal/rpc"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/store"
	intsync "github.com/matheus3301/chatsync/internal/sync"
	"github.com/matheus3301/chatsync/internal/typing"
	"github.com/matheus3301/chatsync/internal/view"
	"github.com/matheus3301/chatsync/internal/wa"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// sentRetention is how long acknowledged sends stay in the outbox.
const sentRetention = 7 * 24 * time.Hour

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	Profile    string
	SocketPath string // optional override for testing; empty = use default
	Config     config.Profile
	// Token authenticates against the ws backend.
	Token string
	// Backend replaces the configured backend when set.
	Backend remote.Backend
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideStateMachine,
			provideClock,
			provideLock,
			provideArchive,
			provideOutbox,
			provideBackend,
			provideEntityStore,
			provideTracker,
			providePages,
			provideConsumer,
			provideResubscriber,
			provideCoordinator,
			provideLabeler,
			provideMessenger,
			provideSyncEngine,
			provideConnector,
			provideService,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(profile.LogPath(p.Profile), p.Profile, p.Config.LogLevel)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideClock() clockwork.Clock {
	return clockwork.NewRealClock()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := profile.EnsureDir(p.Profile); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.Profile))
	l, err := lock.Acquire(profile.Dir(p.Profile))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

// provideArchive depends on the lock so only the lock holder opens the
// archive.
func provideArchive(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := profile.ArchivePath(p.Profile)
	db, result, err := openArchive(dbPath)
	if errors.Is(err, store.ErrDirty) {
		// The archive only caches what the backend holds.
		logger.Warn("archive schema dirty, rebuilding", zap.String("path", dbPath), zap.Error(err))
		for _, suffix := range []string{"", "-wal", "-shm"} {
			if rmErr := os.Remove(dbPath + suffix); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
				return nil, fmt.Errorf("remove dirty archive: %w", rmErr)
			}
		}
		db, result, err = openArchive(dbPath)
	}
	if err != nil {
		return nil, err
	}
	logger.Info("archive initialized",
		zap.String("path", dbPath),
		zap.Uint("schema_from", result.From),
		zap.Uint("schema_version", result.Version),
		zap.Bool("migrated", result.Changed()),
	)
	return db, nil
}

func openArchive(path string) (*store.DB, *store.MigrateResult, error) {
	db, err := store.Open(path)
	if err != nil {
		return nil, nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return db, result, nil
}

func provideOutbox(db *store.DB) *store.Outbox {
	return store.NewOutbox(db)
}

type backendOut struct {
	fx.Out

	Backend remote.Backend
	Pairer  remote.Pairer
	Adapter *wa.Adapter
}

func provideBackend(p Params, db *store.DB, b *bus.Bus, logger *zap.Logger) (backendOut, error) {
	if p.Backend != nil {
		out := backendOut{Backend: p.Backend}
		if pairer, ok := p.Backend.(remote.Pairer); ok {
			out.Pairer = pairer
		}
		return out, nil
	}
	switch p.Config.Backend {
	case config.BackendWhatsApp:
		adapter, err := wa.NewAdapter(context.Background(), profile.WhatsAppDBPath(p.Profile), db, b, logger)
		if err != nil {
			return backendOut{}, err
		}
		return backendOut{Backend: adapter, Pairer: adapter, Adapter: adapter}, nil
	case config.BackendWS:
		client, err := ws.New(p.Config.ServerURL, ws.WithToken(p.Token), ws.WithLogger(logger))
		if err != nil {
			return backendOut{}, err
		}
		return backendOut{Backend: client}, nil
	default:
		return backendOut{}, fmt.Errorf("unknown backend %q", p.Config.Backend)
	}
}

func provideEntityStore(b *bus.Bus, logger *zap.Logger) *entity.Store {
	return entity.NewStore(b, logger)
}

func provideTracker(p Params, clock clockwork.Clock, b *bus.Bus, logger *zap.Logger) *typing.Tracker {
	return typing.NewTracker(clock, p.Config.TypingTTL.Duration, b, logger)
}

func providePages(p Params, backend remote.Backend, s *entity.Store, b *bus.Bus, logger *zap.Logger) *pagination.Controller {
	return pagination.NewController(backend, s, p.Config.PageSize, b, logger)
}

func provideConsumer(p Params, backend remote.Backend, adapter *wa.Adapter, s *entity.Store, tr *typing.Tracker, b *bus.Bus, logger *zap.Logger) *live.Consumer {
	return live.NewConsumer(backend, s, tr, selfID(p, adapter), b, logger)
}

func provideResubscriber(c *live.Consumer, b *bus.Bus, logger *zap.Logger) *live.Resubscriber {
	return live.NewResubscriber(c, b, nil, logger)
}

func provideCoordinator(p Params, backend remote.Backend, adapter *wa.Adapter, s *entity.Store, outbox *store.Outbox, clock clockwork.Clock, b *bus.Bus, logger *zap.Logger) (*optimistic.Coordinator, error) {
	self := optimistic.Author{ID: selfID(p, adapter), Name: p.Config.Self.Name}
	if p.Config.Self.AvatarURL != "" {
		self.AvatarURL = entity.String(p.Config.Self.AvatarURL)
	}
	c := optimistic.NewCoordinator(s, backend, self, b, logger,
		optimistic.WithJournal(outbox),
		optimistic.WithClock(clock),
	)
	failed, err := outbox.LoadFailed(context.Background())
	if err != nil {
		return nil, fmt.Errorf("load failed sends: %w", err)
	}
	c.Restore(failed)
	if len(failed) > 0 {
		logger.Info("restored failed sends", zap.Int("count", len(failed)))
	}
	return c, nil
}

func provideLabeler(p Params) (view.DayLabeler, error) {
	return view.ParseLocale(p.Config.Locale, time.Local)
}

type messengerIn struct {
	fx.In

	Params  Params
	Store   *entity.Store
	Pages   *pagination.Controller
	Live    *live.Consumer
	Typing  *typing.Tracker
	Sends   *optimistic.Coordinator
	Backend remote.Backend
	Adapter *wa.Adapter
	Bus     *bus.Bus
	Labeler view.DayLabeler
	Clock   clockwork.Clock
	Logger  *zap.Logger
}

func provideMessenger(in messengerIn) (*messenger.Messenger, error) {
	return messenger.New(messenger.Deps{
		Store:   in.Store,
		Pages:   in.Pages,
		Live:    in.Live,
		Typing:  in.Typing,
		Sends:   in.Sends,
		Chats:   in.Backend,
		Bus:     in.Bus,
		Labeler: in.Labeler,
		Clock:   in.Clock,
		SelfID:  selfID(in.Params, in.Adapter),
		Logger:  in.Logger,
	})
}

func provideSyncEngine(db *store.DB, s *entity.Store, b *bus.Bus, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(db, s, b, logger)
}

// chatRefresher adapts the messenger to the connector.
type chatRefresher struct {
	m *messenger.Messenger
}

func (r chatRefresher) RefreshChats(ctx context.Context) error {
	_, err := r.m.RefreshChats(ctx)
	return err
}

func provideConnector(m *messenger.Messenger, c *live.Consumer, machine *status.Machine, b *bus.Bus, logger *zap.Logger) *Connector {
	return NewConnector(chatRefresher{m}, c, machine, b, nil, logger)
}

func provideService(p Params, m *messenger.Messenger, machine *status.Machine, db *store.DB, pairer remote.Pairer, b *bus.Bus, logger *zap.Logger) rpc.MessengerServer {
	return rpc.NewService(rpc.ServiceDeps{
		Profile:   p.Profile,
		Backend:   p.Config.Backend,
		Messenger: m,
		Machine:   machine,
		Archive:   db,
		Pairer:    pairer,
		Bus:       b,
		Logger:    logger,
	})
}

// selfID prefers the configured user id and falls back to the paired
// WhatsApp account.
func selfID(p Params, adapter *wa.Adapter) string {
	if p.Config.Self.ID != "" {
		return p.Config.Self.ID
	}
	if adapter != nil {
		return adapter.SelfID()
	}
	return ""
}

type lifecycleIn struct {
	fx.In

	Params       Params
	Server       *Server
	Lock         *lock.Lock
	DB           *store.DB
	Outbox       *store.Outbox
	Engine       *intsync.Engine
	Tracker      *typing.Tracker
	Consumer     *live.Consumer
	Resubscriber *live.Resubscriber
	Connector    *Connector
	Adapter      *wa.Adapter
	Machine      *status.Machine
	Bus          *bus.Bus
	Logger       *zap.Logger
}

func registerLifecycle(lc fx.Lifecycle, d lifecycleIn) {
	logger := d.Logger
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			// Warm the store from the archive before anything can change it.
			warm, err := d.Engine.Warm(ctx, d.Params.Config.PageSize)
			if err != nil {
				logger.Warn("archive warm start failed", zap.Error(err))
			} else {
				logger.Info("archive loaded",
					zap.Int("chats", warm.Chats),
					zap.Int("messages", warm.Messages),
					zap.Int("dropped", warm.Dropped),
				)
			}
			if n, err := d.Outbox.PruneSent(ctx, time.Now().Add(-sentRetention)); err != nil {
				logger.Warn("outbox prune failed", zap.Error(err))
			} else if n > 0 {
				logger.Info("outbox pruned", zap.Int64("entries", n))
			}

			bg := context.Background()
			d.Engine.Start(bg)
			d.Tracker.Start(bg)
			d.Resubscriber.Start(bg)

			// Start gRPC server in background.
			go func() {
				if err := d.Server.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()

			if d.Adapter != nil {
				return startWhatsApp(d)
			}
			d.Connector.Start(bg)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			d.Connector.Stop()
			d.Resubscriber.Stop()
			d.Consumer.Stop()
			d.Tracker.Stop()
			if d.Adapter != nil {
				d.Adapter.Disconnect()
			}
			d.Engine.Stop()
			d.Server.Stop(ctx)
			if err := d.DB.Close(); err != nil {
				logger.Warn("error closing archive", zap.Error(err))
			}
			if err := d.Lock.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			_ = logger.Sync()
			return nil
		},
	})
}

func startWhatsApp(d lifecycleIn) error {
	handler := wa.NewEventHandler(d.Bus, d.Machine, d.Adapter.Feeds(), d.Adapter, d.Logger)
	d.Adapter.RegisterEventHandler(handler.Handle)
	if err := d.Consumer.Start(context.Background()); err != nil {
		return err
	}

	// Transition state based on auth status.
	if !d.Adapter.IsLoggedIn() {
		d.Logger.Info("no credentials found, auth required")
		return d.Machine.Transition(status.AuthRequired)
	}
	if err := d.Machine.Transition(status.Connecting); err != nil {
		return err
	}
	go func() {
		if err := d.Adapter.Connect(); err != nil {
			d.Logger.Error("auto-connect failed", zap.Error(err))
			_ = d.Machine.TransitionWithReason(status.Error, err.Error())
		}
	}()
	return nil
}
