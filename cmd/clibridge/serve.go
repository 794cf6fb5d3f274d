package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/memohai/clibridge/internal/attachment"
	"github.com/memohai/clibridge/internal/auth"
	"github.com/memohai/clibridge/internal/bridge"
	"github.com/memohai/clibridge/internal/config"
	"github.com/memohai/clibridge/internal/files"
	"github.com/memohai/clibridge/internal/handlers"
	"github.com/memohai/clibridge/internal/janitor"
	"github.com/memohai/clibridge/internal/logger"
	"github.com/memohai/clibridge/internal/models"
	"github.com/memohai/clibridge/internal/prompt"
	"github.com/memohai/clibridge/internal/server"
	"github.com/memohai/clibridge/internal/session"
	"github.com/memohai/clibridge/internal/session/drivers"
)

func runServe(configPath string) {
	fx.New(
		fx.Provide(
			provideConfig(configPath),
			provideLogger,
			provideSessionStore,
			session.NewResolver,
			provideFilesManager,
			provideAttachmentResolver,
			provideCompiler,
			provideBridge,
			provideModelsService,
			provideKeyValidator,
			provideJanitor,
			provideServerHandler(providePingHandler),
			provideServerHandler(handlers.NewModelsHandler),
			provideServerHandler(handlers.NewChatHandler),
			provideServerHandler(handlers.NewResponsesHandler),
			provideServerHandler(handlers.NewFilesHandler),
			provideServer,
		),
		fx.Invoke(
			startJanitor,
			startServer,
		),
		fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: logger.With(slog.String("component", "fx"))}
		}),
	).Run()
}

func provideServerHandler(fn any) any {
	return fx.Annotate(
		fn,
		fx.As(new(server.Handler)),
		fx.ResultTags(`group:"server_handlers"`),
	)
}

func provideConfig(path string) func() (config.Config, error) {
	return func() (config.Config, error) {
		cfg, err := config.Load(path)
		if err != nil {
			return config.Config{}, fmt.Errorf("load config: %w", err)
		}
		return cfg, nil
	}
}

func provideLogger(cfg config.Config) *slog.Logger {
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	return logger.L
}

func provideSessionStore(lc fx.Lifecycle, log *slog.Logger, cfg config.Config) (session.Store, error) {
	store, err := drivers.Open(context.Background(), log, cfg.Sessions)
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}
	lc.Append(fx.Hook{OnStop: func(context.Context) error { return store.Close() }})
	return store, nil
}

func provideFilesManager(log *slog.Logger, cfg config.Config) (*files.Manager, error) {
	return files.NewManager(log, cfg.Uploads.Dir, cfg.Uploads.MaxBytes)
}

func provideAttachmentResolver(log *slog.Logger, manager *files.Manager, cfg config.Config) *attachment.Resolver {
	return attachment.NewResolver(log, manager, cfg.Attachments)
}

func provideCompiler(log *slog.Logger, resolver *attachment.Resolver, cfg config.Config) *prompt.Compiler {
	return prompt.NewCompiler(log, resolver, cfg.Bridge.NativeTools)
}

func provideBridge(log *slog.Logger, cfg config.Config, compiler *prompt.Compiler) *bridge.Bridge {
	return bridge.New(log, cfg.Bridge, compiler)
}

func provideModelsService(log *slog.Logger, cfg config.Config) (*models.Service, error) {
	return models.NewService(log, cfg.Models, cfg.Bridge.SettingsPath)
}

func provideKeyValidator(log *slog.Logger, cfg config.Config) *auth.Validator {
	v := auth.NewValidator(cfg.Auth)
	if !v.Enabled() {
		log.Warn("no API keys configured, the API is open to anyone who can reach it")
	}
	return v
}

func providePingHandler(log *slog.Logger) *handlers.PingHandler {
	return handlers.NewPingHandler(log, version)
}

func provideJanitor(log *slog.Logger, cfg config.Config, store session.Store) *janitor.Janitor {
	return janitor.New(log, cfg.Janitor, cfg.Bridge.TempDir, store)
}

type serverParams struct {
	fx.In

	Logger         *slog.Logger
	Config         config.Config
	Keys           *auth.Validator
	ServerHandlers []server.Handler `group:"server_handlers"`
}

func provideServer(params serverParams) *server.Server {
	return server.NewServer(params.Logger, params.Config.Server, params.Keys, params.ServerHandlers...)
}

func startJanitor(lc fx.Lifecycle, j *janitor.Janitor) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error { return j.Start() },
		OnStop:  func(ctx context.Context) error { return j.Stop(ctx) },
	})
}

func startServer(lc fx.Lifecycle, logger *slog.Logger, srv *server.Server, shutdowner fx.Shutdowner, cfg config.Config) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			logger.Info("starting clibridge",
				slog.String("version", version),
				slog.String("binary", cfg.Bridge.Binary),
				slog.String("session_driver", cfg.Sessions.Driver),
			)
			go func() {
				if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("server failed", slog.Any("error", err))
					_ = shutdowner.Shutdown()
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := srv.Stop(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server stop: %w", err)
			}
			return nil
		},
	})
}
