package main

import (
	"context"
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

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/bazaarlab/notisync/internal/app"
	"github.com/bazaarlab/notisync/internal/app/maintenance"
	"github.com/bazaarlab/notisync/internal/cache"
	"github.com/bazaarlab/notisync/internal/identity"
	"github.com/bazaarlab/notisync/internal/notify"
	"github.com/bazaarlab/notisync/internal/store"
	"github.com/bazaarlab/notisync/internal/surfaces"
	"github.com/bazaarlab/notisync/internal/syncer"
	"github.com/bazaarlab/notisync/internal/transport"
	"github.com/bazaarlab/notisync/pkg/logger"
)

const shutdownTimeout = 15 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	if err := run(ctx, os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("notisync", flag.ContinueOnError)
	fs.SetOutput(os.Stdout)

	var configPath string
	fs.StringVar(&configPath, "config", "", "Path to configuration directory or file")

	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadApplicationConfig(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := app.ConfigureLogging(cfg.Server.LogLevel); err != nil {
		return fmt.Errorf("configure logging: %w", err)
	}
	defer logger.Sync() // best effort

	log := logger.WithModule("bootstrap")

	user, err := identity.FromToken(cfg.API.Token)
	if err != nil {
		return err
	}
	if user.Expired(time.Now()) {
		log.Warn("access token is past its expiry; the server will reject calls", zap.String("user_id", user.UserID))
	}

	st := store.New()

	var (
		snapshot  *cache.Cache
		persister *cache.Persister
	)
	if cfg.Cache.Enabled {
		snapshot, err = cache.Open(cfg.Cache.Path)
		if err != nil {
			return fmt.Errorf("open cache: %w", err)
		}
		defer func() {
			if closeErr := snapshot.Close(); closeErr != nil {
				log.Warn("failed to close cache", zap.Error(closeErr))
			}
		}()

		// Cold start: render the last-seen history until the first page lands.
		cached, loadErr := snapshot.Load(user.UserID)
		if loadErr != nil {
			log.Warn("cached snapshot unavailable", zap.Error(loadErr))
		} else if len(cached) > 0 {
			st.Seed(cached, -1)
			log.Info("seeded from cache", zap.Int("records", len(cached)))
		}

		persister = cache.NewPersister(snapshot, st, user.UserID, cfg.Cache.FlushDelay)
		go persister.Run()
		defer persister.Stop()
	}

	rest, err := transport.NewRESTClient(cfg.API.BaseURL, cfg.API.Token, cfg.API.Timeout)
	if err != nil {
		return err
	}

	var push syncer.PushAPI
	if !cfg.Push.Disabled {
		sock, sockErr := transport.NewSocketClient(cfg.PushEndpoint(), cfg.API.Token)
		if sockErr != nil {
			return sockErr
		}
		push = sock
	}

	ctrl, err := syncer.New(rest, push, st, user, syncer.Options{
		PageSize:     cfg.Sync.PageSize,
		PollInterval: cfg.Sync.PollInterval,
		ReconnectMin: cfg.Push.ReconnectMin,
		ReconnectMax: cfg.Push.ReconnectMax,
		DisablePush:  cfg.Push.Disabled,
		OnStateChange: func(state syncer.State) {
			log.Info("session state changed", zap.String("state", string(state)))
		},
	})
	if err != nil {
		return err
	}

	if err := ctrl.Start(ctx); err != nil {
		return fmt.Errorf("start sync session: %w", err)
	}
	defer func() {
		if closeErr := ctrl.Close(); closeErr != nil {
			log.Warn("session close reported errors", zap.Error(closeErr))
		}
	}()

	keeper := buildKeeper(cfg, ctrl, snapshot)
	if err := keeper.Start(); err != nil {
		return fmt.Errorf("start maintenance jobs: %w", err)
	}
	defer func() { <-keeper.Stop().Done() }()

	router := buildRouter(cfg, st, ctrl, rest, user)

	server := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: router,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("surface listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("surface server error: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("graceful shutdown: %w", err)
	}

	if err, ok := <-serverErr; ok && err != nil {
		return fmt.Errorf("surface server error: %w", err)
	}

	log.Info("stopped gracefully")
	return nil
}

func loadApplicationConfig(path string) (*app.Config, error) {
	switch {
	case strings.TrimSpace(path) == "":
		return app.LoadConfig()
	default:
		info, err := os.Stat(path)
		if err == nil {
			if info.IsDir() {
				return app.LoadConfig(path)
			}
			return app.LoadConfig(filepath.Dir(path))
		}
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config path %q does not exist", path)
		}
		return nil, fmt.Errorf("stat config path: %w", err)
	}
}

func buildKeeper(cfg *app.Config, ctrl *syncer.Controller, snapshot *cache.Cache) *maintenance.Keeper {
	var pruner maintenance.Pruner
	if snapshot != nil {
		pruner = snapshot
	}

	return maintenance.NewKeeper(ctrl, pruner,
		maintenance.WithRetention(cfg.Cache.Retention),
		maintenance.WithResyncSchedule(cfg.Cache.ResyncSchedule),
		maintenance.WithPruneSchedule(cfg.Cache.PruneSchedule),
	)
}

func buildRouter(cfg *app.Config, st *store.Store, ctrl *syncer.Controller, rest *transport.RESTClient, user *identity.Identity) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	var admin surfaces.AdminAPI
	if user.Role == "admin" {
		admin = rest
	}

	audience := notify.RecipientType(strings.TrimSpace(cfg.Surface.Audience))
	surfaces.NewHandler(st, ctrl, admin, audience, cfg.Surface.DropdownLimit).Register(router)
	return router
}
