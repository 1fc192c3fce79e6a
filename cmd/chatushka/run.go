package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/chatushka/chatushka/adapters/telegram"
	"github.com/chatushka/chatushka/core"
	"github.com/chatushka/chatushka/core/configwatch"
	"github.com/chatushka/chatushka/core/ratelimit"
	"github.com/chatushka/chatushka/internal/config"
	"github.com/chatushka/chatushka/internal/handlers"
	"github.com/chatushka/chatushka/internal/keychain"
	"github.com/chatushka/chatushka/internal/phrases"
)

const (
	phrasebookPollInterval = 5 * time.Second
	floodPruneInterval     = 10 * time.Minute
)

func (a *app) newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Poll Telegram and answer commands until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.run(cmd.Context(), cmd)
		},
	}
	flags := cmd.Flags()
	flags.Int("concurrency", 0, "Maximum concurrent handler calls per batch (0 = unbounded).")
	flags.String("phrasebook", "", "YAML file overriding the built-in phrases.")
	flags.Duration("poll-timeout", 60*time.Second, "Long-poll timeout.")
	_ = a.v.BindPFlag(config.KeyConcurrency, flags.Lookup("concurrency"))
	_ = a.v.BindPFlag(config.KeyPhrasebook, flags.Lookup("phrasebook"))
	_ = a.v.BindPFlag(config.KeyPollTimeout, flags.Lookup("poll-timeout"))
	return cmd
}

func (a *app) run(ctx context.Context, cmd *cobra.Command) error {
	settings, err := config.Load(a.v, keychain.Token)
	if err != nil {
		return err
	}
	logger, err := newLogger(cmd.ErrOrStderr(), settings.LogLevel, settings.LogFormat, settings.Debug)
	if err != nil {
		return err
	}
	if settings.Debug {
		logger.Debug("debug mode is on")
	}

	var opts []telegram.Option
	if settings.APIServer != "" {
		opts = append(opts, telegram.WithAPIServer(settings.APIServer))
	}
	conn := telegram.NewConnector(settings.Token, logger, opts...)

	postfixes := settings.Postfixes
	if settings.BotUsername == "" {
		me, err := conn.Me(ctx)
		if err != nil {
			return fmt.Errorf("identify bot: %w", err)
		}
		logger.Info("authorized", "username", me.Username, "id", me.ID)
		if me.Username != "" {
			postfixes = append(postfixes, "@"+me.Username)
		}
	}

	book := phrases.Default()
	if settings.Phrasebook != "" {
		if book, err = phrases.Load(settings.Phrasebook); err != nil {
			return err
		}
	}
	store := phrases.NewStore(book)

	flood := ratelimit.New(ratelimit.Limits{
		MaxCalls: settings.Flood.MaxCalls,
		Window:   settings.Flood.Window,
		Lockout:  settings.Flood.Lockout,
	})

	ms, err := handlers.Build(handlers.Deps{
		Commands: core.CommandConfig{
			Prefixes:  settings.Prefixes,
			Postfixes: postfixes,
			AllowRaw:  settings.AllowRaw,
		},
		Admins:  settings.Admins,
		Phrases: store,
		Flood:   flood,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	bot := core.NewBot(conn, core.Config{
		PollTimeout: settings.PollTimeout,
		RetryDelay:  settings.RetryDelay,
		Debug:       settings.Debug,
		Concurrency: settings.Concurrency,
	}, logger)
	if err := bot.AddMatcher(ms...); err != nil {
		return err
	}
	bot.SetLifespan(background(settings.Phrasebook, store, flood, logger))

	return bot.Serve(ctx)
}

// background starts the phrasebook watcher and the flood record pruner for
// the lifetime of the bot.
func background(phrasebook string, store *phrases.Store, flood *ratelimit.Limiter, logger *slog.Logger) core.Lifespan {
	return func(ctx context.Context, _ *core.Bot) (func(context.Context) error, error) {
		ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))

		if phrasebook != "" {
			w := configwatch.New(phrasebookPollInterval, logger)
			w.Watch(phrasebook, store.Reload)
			go w.Run(ctx)
		}

		go func() {
			ticker := time.NewTicker(floodPruneInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					flood.Prune()
				}
			}
		}()

		return func(context.Context) error {
			cancel()
			return nil
		}, nil
	}
}
