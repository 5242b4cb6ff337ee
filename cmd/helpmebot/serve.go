package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/slack-go/slack"
	"golang.org/x/sync/errgroup"

	"github.com/ashureev/helpme-slack/internal/api"
	"github.com/ashureev/helpme-slack/internal/bot"
	"github.com/ashureev/helpme-slack/internal/config"
	"github.com/ashureev/helpme-slack/internal/helpme"
	"github.com/ashureev/helpme-slack/internal/linking"
	"github.com/ashureev/helpme-slack/internal/metrics"
	"github.com/ashureev/helpme-slack/internal/middleware"
	"github.com/ashureev/helpme-slack/internal/secret"
	"github.com/ashureev/helpme-slack/internal/slackapp"
	"github.com/ashureev/helpme-slack/internal/store"
	"github.com/ashureev/helpme-slack/internal/viewtoken"
	"github.com/ashureev/helpme-slack/web"
)

const (
	shutdownTimeout = 10 * time.Second
	viewTokenTTL    = time.Hour
)

// storage is the opened credential store.
type storage struct {
	repo   store.Repository
	sqlite *store.SQLiteStore
	redis  *redis.Client
	master []byte
}

func (s *storage) Close() {
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			slog.Error("Failed to close redis client", "error", err)
		}
	}
	if err := s.sqlite.Close(); err != nil {
		slog.Error("Failed to close repository", "error", err)
	}
}

// openStorage opens SQLite, migrates legacy links and attaches Redis for
// link states when configured.
func openStorage(ctx context.Context, cfg *config.Config) (*storage, error) {
	master, err := secret.ParseKey(cfg.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("parse ENCRYPTION_KEY: %w", err)
	}
	sealKey, err := secret.DeriveKey(master, secret.PurposeTokenSealing)
	if err != nil {
		return nil, err
	}
	sealer, err := secret.NewSealer(sealKey)
	if err != nil {
		return nil, err
	}

	sqlite, err := store.NewSQLite(cfg.DBPath, sealer)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	s := &storage{repo: sqlite, sqlite: sqlite, master: master}

	if err := sqlite.Ping(ctx); err != nil {
		s.Close()
		return nil, fmt.Errorf("database health check: %w", err)
	}
	slog.Info("Database connected", "path", cfg.DBPath)

	// Legacy rows were sealed with the master key itself.
	legacy, err := secret.NewSealer(master)
	if err != nil {
		s.Close()
		return nil, err
	}
	migrated, err := sqlite.MigrateLegacyLinks(ctx, legacy.Open)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("migrate legacy links: %w", err)
	}
	if migrated > 0 {
		slog.Info("Migrated legacy links", "count", migrated)
	}

	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		s.redis = redis.NewClient(opt)
		if err := s.redis.Ping(ctx).Err(); err != nil {
			s.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		s.repo = store.WithStateStore(sqlite, store.NewRedisStateStore(s.redis))
		slog.Info("Link states stored in Redis")
	}
	return s, nil
}

func runMigrate(ctx context.Context, cfg *config.Config) error {
	s, err := openStorage(ctx, cfg)
	if err != nil {
		return err
	}
	s.Close()
	slog.Info("Migrations complete")
	return nil
}

func runServe(ctx context.Context, cfg *config.Config) error {
	slog.Info("Starting HelpMe bot",
		"port", cfg.Port,
		"delivery_mode", cfg.Slack.DeliveryMode,
		"linking_required", cfg.Linking.Required,
		"dev", cfg.IsDevelopment())

	s, err := openStorage(ctx, cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	m := metrics.New()

	gateway, err := helpme.New(helpme.Options{
		APIURL:       cfg.HelpMe.APIURL,
		APIKey:       cfg.HelpMe.APIKey,
		Timeout:      cfg.HelpMe.Timeout,
		HeavyTimeout: cfg.HelpMe.HeavyTimeout,
		Recorder:     m,
	})
	if err != nil {
		return err
	}

	slackAPI := slack.New(cfg.Slack.BotToken,
		slack.OptionDebug(cfg.Slack.Debug),
		slack.OptionAppLevelToken(cfg.Slack.AppToken),
	)
	messenger := slackapp.NewMessenger(slackAPI)

	linker, err := linking.NewService(s.repo, gateway, linking.Options{
		HelpMeBaseURL: cfg.HelpMe.BaseURL,
		CallbackURL:   cfg.Linking.CallbackURL(),
		OrgID:         cfg.HelpMe.OrgID,
		DefaultTTL:    cfg.Linking.StateTTL,
		MinTTL:        cfg.Linking.MinStateTTL,
		MaxTTL:        cfg.Linking.MaxStateTTL,
		MaxAttempts:   cfg.Linking.MaxAttempts,
		Notifier:      bot.NewLinkNotifier(messenger),
		Recorder:      m,
	})
	if err != nil {
		return err
	}

	viewKey, err := secret.DeriveKey(s.master, secret.PurposeViewSigning)
	if err != nil {
		return err
	}
	views, err := viewtoken.NewSigner(viewKey, viewTokenTTL)
	if err != nil {
		return err
	}

	b := bot.New(s.repo, gateway, linker, messenger, bot.Options{
		LinkingRequired: cfg.Linking.Required,
		DefaultCourseID: cfg.DefaultCourseID,
		Views:           views,
		Recorder:        m,
	})
	dispatcher := slackapp.NewDispatcher(b, 2*cfg.HelpMe.HeavyTimeout+30*time.Second)

	pages, err := web.NewPages()
	if err != nil {
		return err
	}
	routes := api.RouterOptions{
		Health:          api.NewHealthHandler(s.repo, 5*time.Second),
		Link:            api.NewLinkHandler(linker, pages),
		LinkSecret:      cfg.Linking.SharedSecret,
		CallbackLimiter: middleware.NewRateLimiter(cfg.CallbackRatePerMinute),
		Metrics:         m.Handler(),
	}
	if cfg.Slack.DeliveryMode == config.DeliveryHTTP {
		routes.Slack = slackapp.NewHTTPHandler(dispatcher, cfg.Slack.SigningSecret)
	}
	if cfg.Linking.SharedSecret == "" {
		slog.Warn("LINK_SHARED_SECRET is empty, the token callback will reject every request")
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           api.NewRouter(routes),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down gracefully...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return linker.RunSweeper(gctx, cfg.Linking.SweepEvery, m)
	})

	if cfg.Slack.DeliveryMode == config.DeliverySocket {
		runner := slackapp.NewSocketRunner(slackAPI, dispatcher, cfg.Slack.Debug)
		g.Go(func() error {
			err := runner.Run(gctx)
			if gctx.Err() != nil {
				return nil
			}
			if err == nil {
				err = errors.New("connection closed")
			}
			return fmt.Errorf("socket mode: %w", err)
		})
	}

	err = g.Wait()
	dispatcher.Wait()
	if err != nil {
		return err
	}
	slog.Info("Server stopped successfully")
	return nil
}
