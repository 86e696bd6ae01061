package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-go-golems/agentbridge/pkg/auth"
	"github.com/go-go-golems/agentbridge/pkg/bridge"
	"github.com/go-go-golems/agentbridge/pkg/events"
	"github.com/go-go-golems/agentbridge/pkg/models"
	"github.com/go-go-golems/agentbridge/pkg/registry"
	"github.com/go-go-golems/agentbridge/pkg/server"
	"github.com/go-go-golems/agentbridge/pkg/settings"
	"github.com/go-go-golems/agentbridge/pkg/transport"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
)

// serveFlags maps command line flags onto settings keys, so that flags,
// AGENTBRIDGE_* environment variables and the config file share one namespace.
var serveFlags = map[string]string{
	"listen":         "server.listen",
	"debug-events":   "server.debug",
	"backend-url":    "backend.base_url",
	"allow-insecure": "backend.allow_insecure",
	"access-token":   "auth.access_token",
	"redis-url":      "redis.url",
	"models-file":    "models_file",
	"session-ttl":    "session.timeout",
	"max-concurrent": "session.max_concurrent",
}

func newServeCommand() *cobra.Command {
	defaults := settings.NewSettings()

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the chat completions API",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadSettings()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, s)
		},
	}

	fs := cmd.Flags()
	fs.String("listen", defaults.Server.Listen, "Address to listen on")
	fs.Bool("debug-events", false, "Log every protocol event")
	fs.String("backend-url", defaults.Backend.BaseURL, "Base URL of the agent backend")
	fs.Bool("allow-insecure", false, "Allow an http or local network backend")
	fs.String("access-token", "", "Access token for the agent backend")
	fs.String("redis-url", "", "Keep session records in redis at this URL")
	fs.String("models-file", "", "YAML model capability table")
	fs.Duration("session-ttl", defaults.Session.Timeout, "Idle time after which a session is forgotten")
	fs.Int64("max-concurrent", defaults.Session.MaxConcurrent, "Maximum number of concurrent backend runs")

	for flag, key := range serveFlags {
		cobra.CheckErr(viper.BindPFlag(key, fs.Lookup(flag)))
	}

	return cmd
}

func loadSettings() (*settings.Settings, error) {
	s := settings.NewSettings()
	if err := viper.Unmarshal(s); err != nil {
		return nil, errors.Wrap(err, "could not read settings")
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func loadModels(s *settings.Settings) (*models.StaticTable, error) {
	if s.ModelsFile == "" {
		return models.DefaultTable(), nil
	}
	return models.LoadTableFile(s.ModelsFile)
}

func newRegistry(s *settings.Settings) (*registry.Registry, func(), error) {
	if s.Redis == nil || s.Redis.URL == "" {
		return registry.New(s.Session.Timeout), func() {}, nil
	}
	store, err := registry.NewRedisStoreFromURL(s.Redis.URL, s.Redis.KeyPrefix)
	if err != nil {
		return nil, nil, err
	}
	log.Info().Str("prefix", s.Redis.KeyPrefix).Msg("Keeping session records in redis")
	closeStore := func() {
		if err := store.Close(); err != nil {
			log.Warn().Err(err).Msg("could not close redis client")
		}
	}
	return registry.New(s.Session.Timeout, registry.WithStore(store)), closeStore, nil
}

func serve(ctx context.Context, s *settings.Settings) error {
	table, err := loadModels(s)
	if err != nil {
		return err
	}

	tokens := auth.NewStaticTokenSource(s.Auth.AccessToken, s.Auth.Headers)
	client := transport.NewClient(s.Backend, tokens)

	reg, closeStore, err := newRegistry(s)
	if err != nil {
		return err
	}
	defer closeStore()
	defer reg.Close()

	router, err := events.NewRouter(events.WithVerbose(s.Server.Debug))
	if err != nil {
		return errors.Wrap(err, "could not create event router")
	}
	defer func() {
		_ = router.Close()
	}()
	level := zerolog.TraceLevel
	if s.Server.Debug {
		level = zerolog.DebugLevel
	}
	router.AddHandler("log-events", s.Server.EventTopic, events.LogEvents(level))

	br := bridge.New(client, *s.Session, reg, table)
	srv := server.New(br, models.NewCache(table, s.Session.Timeout),
		server.WithEventSinks(router.Sink(s.Server.EventTopic)))

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return router.Run(ctx)
	})
	if s.Session.SweepInterval > 0 {
		eg.Go(func() error {
			err := reg.Run(ctx, s.Session.SweepInterval)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}
	eg.Go(func() error {
		select {
		case <-router.Running():
		case <-ctx.Done():
			return nil
		}
		return srv.ListenAndServe(ctx, s.Server.Listen)
	})

	err = eg.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info().Msg("agent bridge stopped")
	return nil
}
