package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/lorddemonos/killfeed/internal/activity"
	"github.com/lorddemonos/killfeed/internal/aggregator"
	"github.com/lorddemonos/killfeed/internal/buffer"
	"github.com/lorddemonos/killfeed/internal/config"
	"github.com/lorddemonos/killfeed/internal/dedup"
	"github.com/lorddemonos/killfeed/internal/dispatch"
	"github.com/lorddemonos/killfeed/internal/output"
	"github.com/lorddemonos/killfeed/internal/pipeline"
	"github.com/lorddemonos/killfeed/internal/prompt"
	"github.com/lorddemonos/killfeed/internal/registry"
	"github.com/lorddemonos/killfeed/internal/resolve"
	"github.com/lorddemonos/killfeed/internal/server"
	"github.com/lorddemonos/killfeed/internal/tailer"
	"github.com/lorddemonos/killfeed/internal/watcher"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Tail the game log and post kills",
	Long: `Tail the newest eqlog_<Character>_<server>.txt in the log directory and
post every kill of a tracked target to the configured webhook.

Examples:
  killfeed run --log-dir "C:/EverQuest/Logs"
  killfeed run --dry-run --output json
  KILLFEED_DISCORD_WEBHOOK=https://discord.com/api/webhooks/... killfeed run`,
	Args: cobra.NoArgs,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)

	f := runCmd.Flags()
	f.String("webhook", "", "Discord webhook URL")
	f.Bool("dry-run", false, "log messages instead of posting them")
	f.StringP("output", "o", "", "activity output: text, json, none")
	f.String("http", "", "dashboard API listen address")
	_ = viper.BindPFlag("discord.webhook", f.Lookup("webhook"))
	_ = viper.BindPFlag("discord.dry_run", f.Lookup("dry-run"))
	_ = viper.BindPFlag("output", f.Lookup("output"))
	_ = viper.BindPFlag("http_addr", f.Lookup("http"))
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.EQLog.Dir == "" {
		return errors.New("no log directory: set eqlog.dir or pass --log-dir")
	}

	// --- Set up context with graceful shutdown ---
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	loc, err := dispatch.LoadLocation(cfg.Discord.ServerZone)
	if err != nil {
		return err
	}

	// --- Storage ---
	store, err := registry.Open(registry.Config{
		Path:       cfg.Storage.Registry,
		SyncWrites: true,
		Location:   loc,
		Logger:     slog.Default(),
	})
	if err != nil {
		return fmt.Errorf("open target registry: %w", err)
	}
	defer store.Close()

	journal, err := activity.OpenJournal(cfg.Storage.Journal, cfg.Storage.JournalMaxBytes)
	if err != nil {
		return fmt.Errorf("open activity journal: %w", err)
	}
	defer journal.Close()

	hub := activity.New(activity.DefaultRecent, journal)
	if recent, err := activity.ReadTail(cfg.Storage.Journal, activity.DefaultRecent); err != nil {
		slog.Warn("could not read recent activity", "err", err)
	} else {
		hub.Seed(recent)
	}

	// --- Dedup + delivery ---
	engine := dedup.New(dedup.Config{
		Window:   cfg.Dedup.SameKillWindow,
		Cooldown: cfg.Dedup.Cooldown,
	})

	var sender dispatch.Sender = dispatch.NewWebhookSender(cfg.Discord.Timeout)
	destination := cfg.Discord.Webhook
	if cfg.Discord.DryRun {
		sender = dispatch.LogSender{}
		if destination == "" {
			destination = "dry-run"
		}
	}
	if destination == "" {
		slog.Warn("no webhook configured, kills will be audited but not posted")
	}

	formatter := dispatch.NewFormatter(cfg.Discord.Templates, loc, cfg.Discord.ServerName)
	disp := dispatch.New(dispatch.Config{
		Destination: destination,
		QueueSize:   cfg.Discord.QueueSize,
		Spacing:     cfg.Discord.Spacing,
	}, formatter, sender, engine, hub)

	// --- Resolution ---
	chooser, decider := operatorHooks(cfg, store)
	resolver := resolve.New(store, chooser, decider)

	// --- Tailing ---
	w, err := watcher.New(cfg.EQLog.Dir, cfg.EQLog.Pattern)
	if err != nil {
		slog.Warn("file notifications unavailable, polling only", "err", err)
		w = nil
	}
	tl := tailer.New(tailer.Config{
		Dir:         cfg.EQLog.Dir,
		Pattern:     cfg.EQLog.Pattern,
		Interval:    cfg.EQLog.PollInterval,
		RescanEvery: cfg.EQLog.RescanEvery,
	}, w)

	pipe := pipeline.New(pipeline.Config{
		Buffer: buffer.Config{
			Delay: cfg.Dedup.BufferDelay,
			Span:  cfg.Dedup.SameKillWindow,
		},
		SnapshotPath: cfg.Dedup.Snapshot,
	}, pipeline.Deps{
		Dedup:      engine,
		Resolver:   resolver,
		Registry:   store,
		Dispatcher: disp,
		Audit:      hub,
	})

	agg := aggregator.New(hub.Subscribe(), hub.Dropped, func() (string, string) {
		path, _ := tl.Active()
		return path, tl.ActiveCharacter()
	})

	slog.Info("killfeed starting",
		"log_dir", cfg.EQLog.Dir,
		"pattern", cfg.EQLog.Pattern,
		"webhook", dispatch.MaskURL(destination),
		"dry_run", cfg.Discord.DryRun)

	// --- Start everything ---
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { hub.Start(gctx); return nil })
	g.Go(func() error { agg.Start(gctx); return nil })
	if w != nil {
		g.Go(func() error { w.Start(gctx); return nil })
	}
	g.Go(func() error { tl.Start(gctx); return nil })
	g.Go(func() error { return pipe.Run(gctx, tl.Lines()) })
	g.Go(func() error { return disp.Run(gctx) })
	g.Go(func() error { return store.RunGC(gctx, cfg.Storage.GCInterval, 0.5) })

	if r := renderer(cfg.Output); r != nil {
		entries := hub.Subscribe()
		g.Go(func() error { output.Stream(gctx, entries, r); return nil })
	}

	if cfg.HTTPAddr != "" {
		srv := server.New(hub, agg, store, cfg.HTTPAddr).HTTPServer()
		g.Go(func() error {
			slog.Info("dashboard API listening", "addr", cfg.HTTPAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("dashboard API: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutCtx)
		})
	}

	err = g.Wait()
	slog.Info("killfeed stopped", "pending_deliveries", disp.Pending())
	return err
}

// operatorHooks builds the chooser and decider the config asks for. Both
// prompt kinds share one terminal so questions never interleave.
func operatorHooks(cfg config.Config, store *registry.Store) (resolve.Chooser, resolve.Decider) {
	var term *prompt.Terminal
	terminal := func() *prompt.Terminal {
		if term == nil {
			term = prompt.NewTerminal(os.Stdin, os.Stderr, cfg.Prompt.Timeout, store)
		}
		return term
	}

	var chooser resolve.Chooser
	switch cfg.Prompt.Choice {
	case config.ChoiceFirst:
		chooser = prompt.PolicyFirst
	case config.ChoiceCancel:
		chooser = prompt.PolicyCancel
	default:
		chooser = terminal()
	}

	var decider resolve.Decider
	switch cfg.Prompt.NewTarget {
	case config.NewTargetEnable:
		decider = prompt.DefaultDecider{Action: prompt.ActionEnable, Store: store}
	case config.NewTargetDisable:
		decider = prompt.DefaultDecider{Action: prompt.ActionDisable, Store: store}
	case config.NewTargetIgnore:
		decider = prompt.DefaultDecider{Action: prompt.ActionIgnore, Store: store}
	default:
		decider = terminal()
	}
	return chooser, decider
}

func renderer(format string) output.Renderer {
	switch format {
	case "json":
		return output.NewJSONRenderer(os.Stdout)
	case "none":
		return nil
	default:
		return output.NewTextRenderer(os.Stdout)
	}
}
