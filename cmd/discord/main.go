// Command discord runs one character as a Discord bot.
//
//	discord <character> [--env .env]
//
// The character's files live in instances/<character>; the bot token is
// read from DISCORD_TOKEN_<NAME>.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/keshon/east/internal/ai"
	"github.com/keshon/east/internal/command"
	"github.com/keshon/east/internal/config"
	"github.com/keshon/east/internal/discord"
	"github.com/keshon/east/internal/logging"
	"github.com/keshon/east/internal/mind"
	"github.com/keshon/east/internal/persist"
	"github.com/keshon/east/internal/state"
	"github.com/keshon/east/internal/statusapi"
	"github.com/keshon/east/internal/voice"
	"github.com/keshon/east/pkg/jobmgr"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var envFile string

var rootCmd = &cobra.Command{
	Use:           "discord <character>",
	Short:         "Run a character as a Discord bot",
	Args:          cobra.ExactArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          run,
}

func init() {
	rootCmd.Flags().StringVar(&envFile, "env", ".env", "dotenv file to load before reading the environment")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	if err := config.LoadDotenv(envFile); err != nil {
		return fmt.Errorf("load %s: %w", envFile, err)
	}
	cfg, err := config.Load(args[0])
	if err != nil {
		return err
	}

	log, closer := logging.New(logging.Options{Level: cfg.LogLevel, File: cfg.LogFile})
	defer closer.Close()
	log = log.With().Str("character", cfg.Character).Logger()

	files := persist.New(persist.Config{
		Paths: map[string]string{
			persist.KeyEmotion:  cfg.Paths.Emotion,
			persist.KeySetting:  cfg.Paths.Setting,
			persist.KeyMemory:   cfg.Paths.Memory,
			persist.KeySchedule: cfg.Paths.Schedule,
			persist.KeyHistory:  cfg.Paths.History,
			persist.KeyUnread:   cfg.Paths.Unread,
		},
		BackupCount: cfg.BackupCount,
		Logger:      log,
	})
	store := state.Open(files, log)

	name := store.CharacterName()
	if name == "" {
		name = cfg.Character
	}
	token, err := config.Token(name)
	if err != nil {
		return err
	}

	gw := mind.NewGateway(ai.NewGemini(ai.GeminiConfig{}), store, mind.GatewayConfig{
		Keys:          cfg.APIKeys(),
		PrimaryModels: cfg.PrimaryModels,
		Timeout:       cfg.APITimeout,
		MaxHistory:    cfg.MaxHistory,
		PersonaPath:   cfg.Paths.Persona,
	}, log)
	emotions := mind.NewEmotionEngine(gw, store, cfg.AnalysisModel, cfg.Paths.EmotionAnalyzer, log)
	speech := voice.New(voice.Config{
		BaseURL:      cfg.VoicevoxURL,
		Styles:       cfg.VoicevoxStyles,
		DefaultStyle: cfg.VoicevoxDefaultStyle,
		Speed:        cfg.VoicevoxSpeed,
		Logger:       log,
	})

	bot, err := discord.New(discord.Config{
		Token:      token,
		Location:   cfg.Location(),
		ChunkPause: cfg.ChunkPause,
		Logger:     log,
	}, store)
	if err != nil {
		return err
	}
	orch := mind.NewOrchestrator(store, gw, emotions, bot, speech, mind.Options{
		Location:   cfg.Location(),
		ChunkPause: cfg.ChunkPause,
	}, log)
	saver, err := state.NewAutosaver(cfg.AutosaveSpec, store, log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	jobLog := log.With().Str("component", "jobs").Logger()
	jobs := jobmgr.NewManager(gctx, func(msg string) { jobLog.Info().Msg(msg) })

	dispatcher, err := command.NewDispatcher(command.Deps{
		Store:     store,
		Gateway:   gw,
		Checker:   orch,
		Jobs:      jobs,
		Character: name,
		Prefix:    cfg.CommandPrefix,
		Location:  cfg.Location(),
		Log:       log,
	})
	if err != nil {
		return err
	}
	bot.HandleCommands(dispatcher)

	g.Go(func() error { return bot.Run(gctx) })
	g.Go(func() error { return orch.Run(gctx, bot.Ready()) })
	g.Go(func() error { return saver.Run(gctx) })
	if cfg.StatusAddr != "" {
		status := statusapi.New(cfg.StatusAddr, name, statusapi.Sources{
			Checker: orch,
			Keys:    gw,
			Store:   store,
			Jobs:    jobs,
		}, log)
		g.Go(func() error { return status.Run(gctx) })
	}

	log.Info().Str("name", name).Int("keys", gw.KeyCount()).Msg("character starting")
	err = g.Wait()
	jobs.Wait()
	if ferr := store.Flush(); ferr != nil {
		log.Error().Err(ferr).Msg("final flush failed")
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info().Msg("shut down cleanly")
	return nil
}
