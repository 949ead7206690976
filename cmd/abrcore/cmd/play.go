package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jmylchreest/abrcore/internal/config"
	internalhttp "github.com/jmylchreest/abrcore/internal/http"
	"github.com/jmylchreest/abrcore/internal/http/handlers"
	"github.com/jmylchreest/abrcore/internal/observability"
	"github.com/jmylchreest/abrcore/internal/session"
	"github.com/jmylchreest/abrcore/internal/version"
	"github.com/jmylchreest/abrcore/pkg/httpclient"
)

var playCmd = &cobra.Command{
	Use:   "play <manifest>",
	Short: "Play an adaptive presentation",
	Long: `Play an adaptive presentation described by a YAML manifest, read from
a local path or fetched over HTTP. Elementary stream blocks are accounted
and logged; a summary is printed when playback ends.

With --listen the status API is served while playing:
  GET  /api/v1/session       session and stream status
  POST /api/v1/session/seek  move every stream to a segment index
  GET  /metrics              Prometheus metrics`,
	Args: cobra.ExactArgs(1),
	RunE: runPlay,
}

func init() {
	rootCmd.AddCommand(playCmd)

	playCmd.Flags().Bool("realtime", false, "pace output to the wall clock")
	playCmd.Flags().Duration("buffer-ahead", 10*time.Second, "how far demuxing may run ahead of playback")
	playCmd.Flags().String("logic", config.LogicRate, "adaptation logic (rate, fixed)")
	playCmd.Flags().Uint64("bitrate", 0, "bitrate for the fixed logic in bits per second")
	playCmd.Flags().String("ts-backend", config.TSBackendMediacommon, "MPEG-TS demuxer (mediacommon, astits)")
	playCmd.Flags().String("listen", "", "serve the status API on this address")
	playCmd.Flags().Int("seek", 0, "segment index to start from")
}

// applyPlayFlags overrides configuration with explicitly set flags.
func applyPlayFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("realtime") {
		cfg.Playback.Realtime, _ = flags.GetBool("realtime")
	}
	if flags.Changed("buffer-ahead") {
		cfg.Playback.BufferAhead, _ = flags.GetDuration("buffer-ahead")
	}
	if flags.Changed("logic") {
		cfg.Adaptation.Logic, _ = flags.GetString("logic")
	}
	if flags.Changed("bitrate") {
		cfg.Adaptation.FixedBitrate, _ = flags.GetUint64("bitrate")
	}
	if flags.Changed("ts-backend") {
		cfg.Demux.TSBackend, _ = flags.GetString("ts-backend")
	}
	if flags.Changed("listen") {
		cfg.Server.Address, _ = flags.GetString("listen")
		cfg.Server.Enabled = true
	}
}

func runPlay(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	applyPlayFlags(cmd, cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger := observability.NewLoggerWithWriter(cfg.Logging, os.Stderr).With("app", version.ApplicationName)
	metrics := observability.NewMetrics()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := httpclient.New(session.HTTPClientConfig(cfg.Transport, logger))
	manifest, err := session.LoadManifest(ctx, args[0], client)
	if err != nil {
		return fmt.Errorf("loading manifest: %w", err)
	}
	sets, err := manifest.AdaptationSets()
	if err != nil {
		return fmt.Errorf("reading manifest: %w", err)
	}

	out := session.NewLogOutput(logger)
	sess, err := session.New(cfg, sets, out, session.Options{
		Metrics: metrics,
		Logger:  logger,
	})
	if err != nil {
		return fmt.Errorf("creating session: %w", err)
	}
	defer sess.Close()

	if seek, _ := cmd.Flags().GetInt("seek"); seek > 0 {
		if err := sess.Seek(seek); err != nil {
			return fmt.Errorf("seeking: %w", err)
		}
	}

	logger.Info("starting playback",
		"session_id", sess.ID(),
		"manifest", args[0],
		"adaptation_sets", len(sets),
		"logic", cfg.Adaptation.Logic,
		"realtime", cfg.Playback.Realtime,
	)

	started := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	playCtx, cancelPlay := context.WithCancel(gctx)
	defer cancelPlay()

	if cfg.Server.Enabled {
		server := internalhttp.NewServer(cfg.Server, logger, metrics, version.Short())
		handlers.NewHealthHandler(version.Short()).Register(server.API())
		handlers.NewSessionHandler(sess).Register(server.API())
		server.MountMetrics()

		g.Go(func() error {
			return server.ListenAndServe(playCtx)
		})
	}

	g.Go(func() error {
		// Playback ending stops the status server too.
		defer cancelPlay()
		return sess.Run(playCtx)
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}

	blocks, bytes := out.Totals()
	fmt.Fprintf(cmd.OutOrStdout(), "played %s blocks, %s in %s\n",
		humanize.Comma(blocks),
		humanize.IBytes(uint64(bytes)), //nolint:gosec // totals are never negative
		time.Since(started).Round(time.Millisecond),
	)
	stats := out.Stats()
	ids := make([]int, 0, len(stats))
	for id := range stats {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		st := stats[id]
		fmt.Fprintf(cmd.OutOrStdout(), "  track %d %s: %s blocks, %s, last %s, selected=%t\n",
			id, st.Format,
			humanize.Comma(st.Blocks),
			humanize.IBytes(uint64(st.Bytes)), //nolint:gosec // counters are never negative
			st.LastTime, st.Selected,
		)
	}

	if err != nil {
		return fmt.Errorf("playback: %w", err)
	}
	return nil
}
