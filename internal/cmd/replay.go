package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/lorddemonos/killfeed/internal/replay"
)

var (
	replayCharacter string
	replayInterval  time.Duration
)

var replayCmd = &cobra.Command{
	Use:   "replay CAPTURE",
	Short: "Replay a capture into a simulated log file",
	Long: `Write the lines of a capture into eqlog_<Character>_<server>.txt in the log
directory, one kill per interval, with timestamps rewritten to now. Run
"killfeed run" against the same directory to watch the pipeline react.

The capture is either JSON ({"lines": [...]}) or plain log text. The
interval is never shorter than 10s.`,
	Args: cobra.ExactArgs(1),
	RunE: runReplay,
}

func init() {
	rootCmd.AddCommand(replayCmd)

	replayCmd.Flags().StringVar(&replayCharacter, "character", replay.DefaultCharacter, "character name used in the log file name")
	replayCmd.Flags().DurationVar(&replayInterval, "interval", 30*time.Second, "pause between kills")
}

func runReplay(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	lines, err := replay.LoadCapture(args[0])
	if err != nil {
		return err
	}
	if len(lines) == 0 {
		return fmt.Errorf("capture %s has no lines", args[0])
	}
	batches := replay.BuildBatches(lines, nil)

	w, err := replay.NewWriter(replay.Config{
		Dir:       cfg.EQLog.Dir,
		Character: replayCharacter,
		Server:    cfg.Discord.ServerName,
		Interval:  replayInterval,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Fprintf(os.Stderr, "replaying %d kills (%d lines) into %s every %s\n", len(batches), len(lines), w.Path(), w.Interval())
	n, err := w.Run(ctx, batches)
	fmt.Fprintf(os.Stderr, "%d of %d batches written\n", n, len(batches))
	return err
}
