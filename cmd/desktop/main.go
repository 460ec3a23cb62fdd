// Package main runs the RepBook desktop daemon: the local-first record
// engine with its sqlite persistence, plus REST and WebSocket surfaces
// on localhost for desktop clients.
package main

import (
	"context"
	"database/sql"
	stderrors "errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/repbook/core/cmd/desktop/handlers"
	"github.com/repbook/core/internal/config"
	"github.com/repbook/core/internal/crypto"
	"github.com/repbook/core/internal/db"
	"github.com/repbook/core/internal/errors"
	"github.com/repbook/core/internal/logging"
	"github.com/repbook/core/internal/models"
	"github.com/repbook/core/internal/records"
	"github.com/repbook/core/internal/remote"
	"github.com/repbook/core/internal/session"
	"github.com/repbook/core/internal/store"
	"github.com/repbook/core/internal/sync/queue"
	"github.com/repbook/core/internal/sync/realtime"
	"github.com/repbook/core/internal/sync/scheduler"
)

func main() {
	cfg := config.Load()
	logging.Init(os.Stdout, logging.LogLevel(cfg.LogLevel))

	if err := run(cfg); err != nil {
		logging.Error("Daemon exited with error", err)
		os.Exit(1)
	}
}

// run assembles the engine and serves until interrupted.
func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, err := buildDaemon(ctx, cfg)
	if err != nil {
		return err
	}
	defer d.Close()

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           d.router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logging.Info("Desktop daemon listening",
			map[string]interface{}{"addr": cfg.ListenAddr})
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// daemon holds the composed engine and owns component lifecycles.
type daemon struct {
	cfg      *config.Config
	database *db.DB
	repo     *db.Repository
	store    *store.Store
	queue    *queue.SyncQueue
	sess     *session.Manager
	client   remote.Client
	sched    *scheduler.Scheduler
	listener *realtime.Listener
	svc      *records.Service
	hub      *Hub

	// feedMu guards the store subscription that feeds the hub; it is
	// replaced on every owner switch.
	feedMu   sync.Mutex
	feedStop func()
}

// buildDaemon opens storage, hydrates engine state, and wires the
// components together. The returned daemon is running: the scheduler
// ticks and the realtime listener holds a stream for the initial owner.
func buildDaemon(ctx context.Context, cfg *config.Config) (*daemon, error) {
	database, err := db.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	if err := db.RunMigrations(ctx, database.DB); err != nil {
		database.Close()
		return nil, err
	}

	repo := db.NewRepository(database.DB)

	st := store.New(repo)
	if err := st.Hydrate(ctx); err != nil {
		database.Close()
		return nil, err
	}

	q := queue.NewSyncQueue(repo)
	if err := q.Hydrate(ctx); err != nil {
		database.Close()
		return nil, err
	}

	sess := session.NewManager()

	client, err := buildClient(ctx, cfg, repo, sess)
	if err != nil {
		database.Close()
		return nil, err
	}

	schedConfig := scheduler.DefaultConfig()
	schedConfig.FlushInterval = cfg.SyncInterval

	d := &daemon{
		cfg:      cfg,
		database: database,
		repo:     repo,
		store:    st,
		queue:    q,
		sess:     sess,
		client:   client,
		sched:    scheduler.NewScheduler(client, q, st, sess, schedConfig),
		listener: realtime.NewListener(client, q, st, sess),
		svc:      records.NewService(st, q, sess),
		hub:      NewHub(),
	}

	d.svc.SetOnMutation(func() {
		d.sched.TriggerFlush(context.Background())
	})
	sess.OnChange(d.ownerChanged)
	q.OnResolve(func(recordID string) {
		d.hub.BroadcastOperationResolved(recordID, q.Stats())
	})

	d.sched.Start(ctx)
	d.listener.Start(ctx)

	if owner := initialOwner(ctx, cfg, repo); owner != "" {
		sess.SetOwner(owner)
	}

	return d, nil
}

// initialOwner picks the owner scope at startup: explicit configuration
// wins, then the owner on the stored backend credential.
func initialOwner(ctx context.Context, cfg *config.Config, repo *db.Repository) string {
	if cfg.OwnerID != "" {
		return cfg.OwnerID
	}
	cred, err := repo.GetRemoteCredential(ctx)
	if err != nil {
		return ""
	}
	return cred.OwnerID
}

// buildClient selects the backend transport. Memory mode is a loopback
// for demos and tests. HTTP mode prefers the stored credential; with
// none stored it runs unauthenticated against the configured endpoint.
func buildClient(ctx context.Context, cfg *config.Config, repo *db.Repository, sess *session.Manager) (remote.Client, error) {
	if cfg.RemoteMode == "memory" {
		return remote.NewMemoryClient(sess), nil
	}

	endpoint := cfg.RemoteEndpoint
	token := ""

	cred, err := repo.GetRemoteCredential(ctx)
	switch {
	case err == nil:
		endpoint = cred.Endpoint
		token, err = crypto.DecryptToken(cred.TokenEncrypted, cfg.MachineID)
		if err != nil {
			return nil, errors.Wrap(errors.ErrCryptoFailed, "failed to unseal backend token", err)
		}
	case stderrors.Is(err, sql.ErrNoRows):
		// No stored credential yet.
	default:
		return nil, errors.Wrap(errors.ErrDatabase, "failed to load backend credential", err)
	}

	if endpoint == "" {
		return nil, errors.New(errors.ErrValidation,
			"no backend endpoint configured; set one or run with remote mode \"memory\"")
	}

	return remote.NewHTTPClient(&remote.HTTPConfig{
		Endpoint: endpoint,
		Token:    token,
	}, sess), nil
}

// ownerChanged re-points the hub's record feed at the new owner scope.
func (d *daemon) ownerChanged(ownerID string) {
	d.feedMu.Lock()
	defer d.feedMu.Unlock()

	if d.feedStop != nil {
		d.feedStop()
		d.feedStop = nil
	}
	d.hub.BroadcastSessionChanged(ownerID)
	if ownerID == "" {
		return
	}
	d.feedStop = d.store.Subscribe(ownerID, func(visible []*models.Record) {
		d.hub.BroadcastRecordsChanged(ownerID, len(visible))
	})
}

// router assembles the REST and WebSocket routes.
func (d *daemon) router() http.Handler {
	recordsHandler := handlers.NewRecordsHandler(d.svc, d.sess)
	syncHandler := handlers.NewSyncHandler(d.sched, d.svc)
	syncHandler.SetWebSocketHub(d.hub)
	sessionHandler := handlers.NewSessionHandler(d.repo, d.sess, d.cfg.MachineID)

	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", handleHealth)

	mux.HandleFunc("GET /api/records", recordsHandler.List)
	mux.HandleFunc("POST /api/records", recordsHandler.Create)
	mux.HandleFunc("PUT /api/records/{id}", recordsHandler.Update)
	mux.HandleFunc("DELETE /api/records/{id}", recordsHandler.Delete)
	mux.HandleFunc("GET /api/records/{id}/status", recordsHandler.SyncStatus)

	mux.HandleFunc("GET /api/sync/status", syncHandler.GetStatus)
	mux.HandleFunc("POST /api/sync/now", syncHandler.TriggerSync)
	mux.HandleFunc("GET /api/sync/operations", syncHandler.ListOperations)
	mux.HandleFunc("POST /api/sync/retry", syncHandler.RetryFailed)
	mux.HandleFunc("POST /api/sync/online", syncHandler.SetOnline)

	mux.HandleFunc("GET /api/session", sessionHandler.GetSession)
	mux.HandleFunc("POST /api/session", sessionHandler.SignIn)
	mux.HandleFunc("DELETE /api/session", sessionHandler.SignOut)

	mux.HandleFunc("GET /api/events", d.hub.HandleWebSocket)

	return mux
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok","service":"repbook-desktop"}`))
}

// Close winds the daemon down: stream and scheduler first so no push
// is in flight when storage closes.
func (d *daemon) Close() {
	d.listener.Stop()
	d.sched.Stop()
	d.hub.Stop()

	d.feedMu.Lock()
	if d.feedStop != nil {
		d.feedStop()
		d.feedStop = nil
	}
	d.feedMu.Unlock()

	if err := d.client.Close(); err != nil {
		logging.Error("Failed to close backend client", err)
	}
	d.repo.Close()
	if err := d.database.Close(); err != nil {
		logging.Error("Failed to close database", err)
	}

	logging.Info("Desktop daemon stopped", nil)
}
