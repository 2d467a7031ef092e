package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/abdelfatah-ashour/capacitor-audio-engine-sub001/internal/bitstream"
	"github.com/abdelfatah-ashour/capacitor-audio-engine-sub001/internal/conf"
	"github.com/abdelfatah-ashour/capacitor-audio-engine-sub001/internal/logging"
	"github.com/abdelfatah-ashour/capacitor-audio-engine-sub001/internal/loop"
	"github.com/abdelfatah-ashour/capacitor-audio-engine-sub001/internal/metrics"
	"github.com/abdelfatah-ashour/capacitor-audio-engine-sub001/internal/recorder"
	"github.com/abdelfatah-ashour/capacitor-audio-engine-sub001/internal/server"
)

// NewRecordCmd builds the record subcommand: start capturing and deliver the
// bounded output on stop.
func NewRecordCmd(configPath *string) *cobra.Command {
	var (
		duration time.Duration
		device   string
		fixture  bool
		output   string
		workDir  string
	)

	cmd := &cobra.Command{
		Use:   "record",
		Short: "Record a rolling-window session",
		Long: "Start capturing audio until interrupted (Ctrl+C) or until --duration\n" +
			"elapses, then assemble and print the bounded output file.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			if device != "" {
				cfg.Capture.DeviceID = device
			}
			if fixture {
				cfg.Capture.Fixture = true
			}
			if output != "" {
				cfg.Capture.OutputPath = output
			}
			if workDir != "" {
				cfg.Capture.WorkDir = workDir
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			return runRecord(cmd.Context(), cfg, duration)
		},
	}

	cmd.Flags().DurationVarP(&duration, "duration", "d", 0, "stop automatically after this long (0 = run until signal)")
	cmd.Flags().StringVar(&device, "device", "", "capture device ID (empty = system default)")
	cmd.Flags().BoolVar(&fixture, "fixture", false, "use the deterministic fixture recorder instead of a device")
	cmd.Flags().StringVarP(&output, "output", "o", "", "output file path")
	cmd.Flags().StringVar(&workDir, "work-dir", "", "working directory for segment files")

	return cmd
}

func runRecord(ctx context.Context, cfg *conf.Config, duration time.Duration) error {
	logger := logging.New(logging.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
	defer logger.Sync()

	m := metrics.New()

	rec, cleanup, err := buildRecorder(cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	editor := bitstream.NewEditor(logger)
	sched := loop.NewScheduler(cfg, rec, editor, logger, m)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	if duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, duration)
		defer cancel()
	}

	if err := sched.Start(); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	var httpSrv *server.HTTPServer
	if cfg.HTTP.Enabled {
		httpSrv = server.NewHTTPServer(cfg.HTTP, cfg, sched, logger)
		if err := httpSrv.Start(); err != nil {
			return err
		}
	}

	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Warn("session interrupted: %v", err)
	}

	if httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpSrv.Stop(shutdownCtx); err != nil {
			logger.Warn("HTTP shutdown: %v", err)
		}
	}

	path, err := sched.StopAndFinalize()
	if err != nil {
		return fmt.Errorf("failed to finalize session: %w", err)
	}

	fmt.Println(path)
	return nil
}

// buildRecorder picks the capture backend from configuration. The returned
// cleanup releases any backend resources.
func buildRecorder(cfg *conf.Config, logger logging.Logger) (recorder.Recorder, func(), error) {
	if cfg.Capture.Fixture {
		return recorder.NewFixtureRecorder(), func() {}, nil
	}

	mr, err := recorder.NewMalgoRecorder(cfg.Capture.DeviceID, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize capture backend: %w", err)
	}
	return mr, func() { mr.Close() }, nil
}
