// Package main is the entry point for the cortexvoice daemon.
// cortexvoice turns streams of PCM audio into dispatched voice commands
// and dictation text, juggling multiple speech-recognition backends
// behind a single pipeline with automatic failover.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/normanking/cortexvoice/internal/audio"
	"github.com/normanking/cortexvoice/internal/bus"
	"github.com/normanking/cortexvoice/internal/config"
	"github.com/normanking/cortexvoice/internal/discovery"
	"github.com/normanking/cortexvoice/internal/learning"
	"github.com/normanking/cortexvoice/internal/logging"
	"github.com/normanking/cortexvoice/internal/match"
	"github.com/normanking/cortexvoice/internal/server"
	"github.com/normanking/cortexvoice/internal/voice"
)

var (
	version = "0.1.0"
	verbose bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "cortexvoice",
		Short: "Multi-engine speech recognition service",
		Long: `cortexvoice runs a speech recognition pipeline that gates audio
through voice-activity detection, feeds it to the healthiest of the
configured engines, matches transcripts against a command vocabulary
and learns corrections over time.

Run the service:        cortexvoice run
Check a vocabulary:     cortexvoice vocab commands.yaml
Measure the noise:      cortexvoice calibrate room.pcm`,
		RunE: runService,
	}

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("cortexvoice v%s\n", version)
		},
	})

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(calibrateCmd())
	rootCmd.AddCommand(vocabCmd())
	rootCmd.AddCommand(learnedCmd())
	rootCmd.AddCommand(configCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the recognition service",
		RunE:  runService,
	}
}

func runService(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logCfg := &logging.Config{
		LogDir:     cfg.Logging.Dir,
		Level:      logging.LogLevel(cfg.Logging.Level),
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Console:    cfg.Logging.Console,
	}
	if verbose {
		logCfg.Level = logging.LevelDebug
	}

	log, err := logging.New(logCfg)
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer log.Close()

	logger := log.Zerolog()
	events := bus.NewEventBus()

	svc, err := voice.New(cfg, events, logger)
	if err != nil {
		return fmt.Errorf("build pipeline: %w", err)
	}
	defer svc.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("start pipeline: %w", err)
	}

	scanner := discovery.NewService(discovery.DefaultConfig(), cfg.Engines, logger)
	scanner.Start()
	defer scanner.Stop()

	serverErr := make(chan error, 1)
	if cfg.Server.Enabled {
		srv := server.New(server.Config{Listen: cfg.Server.Listen}, svc, logger)
		srv.SetEndpointScanner(scanner)
		srv.SetLogHistory(log)
		go func() { serverErr <- srv.Start(ctx) }()
	}

	log.Info("main", "cortexvoice running", map[string]interface{}{
		"engine": svc.ActiveEngine(),
		"server": cfg.Server.Enabled,
	})

	select {
	case <-ctx.Done():
		log.Info("main", "Shutdown signal received", nil)
		if cfg.Server.Enabled {
			if err := <-serverErr; err != nil {
				log.Warn("main", "Control server shutdown", map[string]interface{}{"error": err.Error()})
			}
		}
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("control server: %w", err)
		}
	}

	return nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// CALIBRATE COMMAND
// ═══════════════════════════════════════════════════════════════════════════════

func calibrateCmd() *cobra.Command {
	var sampleRate, frameMs int

	cmd := &cobra.Command{
		Use:   "calibrate [pcm-file]",
		Short: "Measure the noise floor of a raw 16-bit PCM capture",
		Long: `Feed a raw 16-bit little-endian PCM capture of ambient room noise
through the voice-activity detector and print the measured noise floor.
Record a few seconds of silence with e.g.:

  arecord -f S16_LE -r 16000 -d 3 room.pcm`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}

			frameBytes := sampleRate * frameMs / 1000 * 2
			if frameBytes <= 0 {
				return fmt.Errorf("invalid sample rate %d or frame size %dms", sampleRate, frameMs)
			}
			frames := len(data) / frameBytes
			if frames < 1 {
				return fmt.Errorf("capture too short: need at least %d bytes, got %d", frameBytes, len(data))
			}

			vad := audio.NewVAD(nil)
			if err := vad.BeginCalibration(frames); err != nil {
				return err
			}

			var peak float64
			for i := 0; i < frames; i++ {
				res := vad.ProcessFrame(data[i*frameBytes : (i+1)*frameBytes])
				if res.Energy > peak {
					peak = res.Energy
				}
			}

			floor := vad.NoiseFloor()
			defaults := audio.DefaultVADConfig()

			fmt.Printf("Analyzed %d frames (%.1fs at %d Hz)\n", frames,
				float64(frames*frameMs)/1000, sampleRate)
			fmt.Printf("Noise floor:   %.4f\n", floor)
			fmt.Printf("Peak energy:   %.4f\n", peak)
			fmt.Printf("Default gate:  %.4f\n", defaults.EnergyThreshold)

			if floor > defaults.EnergyThreshold {
				fmt.Printf("\nThe room is louder than the default gate. Suggested config:\n")
				fmt.Printf("  audio:\n    energy_threshold: %.4f\n", floor)
			} else {
				fmt.Printf("\nThe default energy threshold is fine for this room.\n")
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&sampleRate, "rate", 16000, "sample rate in Hz")
	cmd.Flags().IntVar(&frameMs, "frame", 30, "frame size in milliseconds")

	return cmd
}

// ═══════════════════════════════════════════════════════════════════════════════
// VOCAB COMMAND
// ═══════════════════════════════════════════════════════════════════════════════

func vocabCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "vocab [file]",
		Short: "Validate a vocabulary YAML file and list its commands",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			vocab := match.NewVocabulary()
			if err := vocab.LoadFile(args[0]); err != nil {
				return fmt.Errorf("vocabulary rejected: %w", err)
			}

			commands := vocab.Commands()
			fmt.Printf("%s: %d commands, %d phrases\n\n", args[0], len(commands), len(vocab.Phrases()))
			for _, c := range commands {
				fmt.Printf("  %s\n", c.Name)
				for _, syn := range c.Synonyms {
					fmt.Printf("    - %s\n", syn)
				}
			}
			return nil
		},
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// LEARNED COMMANDS
// ═══════════════════════════════════════════════════════════════════════════════

func learnedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "learned",
		Short: "Inspect or prune the learned-command store",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List learned recognition corrections",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openLearningStore()
			if err != nil {
				return err
			}
			defer store.Close()

			entries, err := store.Load(context.Background())
			if err != nil {
				return fmt.Errorf("load learned commands: %w", err)
			}

			if len(entries) == 0 {
				fmt.Println("No learned commands.")
				return nil
			}

			fmt.Printf("%d learned commands:\n\n", len(entries))
			for _, e := range entries {
				fmt.Printf("  %q -> %s\n", e.Recognized, e.Command)
				fmt.Printf("      confidence %.2f, %d hits, last used %s\n",
					e.Confidence, e.HitCount, e.LastUsed.Format("2006-01-02 15:04"))
			}
			return nil
		},
	})

	var days int
	prune := &cobra.Command{
		Use:   "prune",
		Short: "Remove learned commands older than the retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openLearningStore()
			if err != nil {
				return err
			}
			defer store.Close()

			cutoff := time.Now().AddDate(0, 0, -days)
			removed, err := store.Prune(context.Background(), cutoff)
			if err != nil {
				return fmt.Errorf("prune learned commands: %w", err)
			}

			fmt.Printf("Removed %d entries unused since %s\n", removed, cutoff.Format("2006-01-02"))
			return nil
		},
	}
	prune.Flags().IntVar(&days, "days", 90, "remove entries unused for this many days")
	cmd.AddCommand(prune)

	return cmd
}

func openLearningStore() (learning.Store, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	switch cfg.Learning.Backend {
	case "redis":
		return learning.NewRedisStore(learning.RedisConfig{
			Addr:     cfg.Learning.Redis.Addr,
			Password: cfg.Learning.Redis.Password,
			DB:       cfg.Learning.Redis.DB,
		})
	default:
		return learning.NewSQLiteStore(cfg.Learning.Path)
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// CONFIG COMMANDS
// ═══════════════════════════════════════════════════════════════════════════════

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			fmt.Println("cortexvoice configuration:")
			fmt.Println("──────────────────────────")
			fmt.Printf("Engines:        %d configured\n", len(cfg.Engines))
			for _, e := range cfg.Engines {
				fmt.Printf("  %-12s %s priority %d\n", e.ID, e.Kind, e.Priority)
			}
			fmt.Printf("VAD enabled:    %t\n", cfg.Audio.VADEnabled)
			fmt.Printf("Similarity:     %.2f\n", cfg.Matching.SimilarityThreshold)
			fmt.Printf("Auto-learn:     %t\n", cfg.Matching.AutoLearn)
			fmt.Printf("Learning:       %s (%s)\n", cfg.Learning.Backend, cfg.Learning.Path)
			fmt.Printf("Server:         enabled=%t listen=%s\n", cfg.Server.Enabled, cfg.Server.Listen)
			fmt.Printf("Log level:      %s\n", cfg.Logging.Level)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show configuration file path",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := config.GetConfigDir()
			if err != nil {
				return err
			}
			fmt.Println(dir + "/config.yaml")
			return nil
		},
	})

	return cmd
}
