package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/lorddemonos/killfeed/internal/model"
	"github.com/lorddemonos/killfeed/internal/registry"
)

var (
	targetNote     string
	targetLocation string
	targetDisabled bool
	targetRespawn  float64
)

var targetsCmd = &cobra.Command{
	Use:   "targets",
	Short: "Manage tracked targets",
}

var targetsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tracked targets",
	Args:  cobra.NoArgs,
	RunE: withStore(func(ctx context.Context, s *registry.Store, _ []string) error {
		all, err := s.All(ctx)
		if err != nil {
			return err
		}
		if len(all) == 0 {
			fmt.Fprintln(os.Stderr, "no targets tracked")
			return nil
		}
		fmt.Println(targetTable(all))
		return nil
	}),
}

var targetsAddCmd = &cobra.Command{
	Use:   "add NAME",
	Short: "Track a new target",
	Example: `  killfeed targets add "Thall Va Xakra" --note "F1 North" --location "Vex Thal"
  killfeed targets add Severilous --location Lockouts`,
	Args: cobra.MinimumNArgs(1),
	RunE: withStore(func(ctx context.Context, s *registry.Store, args []string) error {
		t := model.TrackedTarget{
			Name:       strings.Join(args, " "),
			Annotation: targetNote,
			Location:   targetLocation,
			Enabled:    !targetDisabled,
		}
		if targetRespawn > 0 {
			h := targetRespawn
			t.RespawnHours = &h
		}
		added, err := s.Add(ctx, t)
		if err != nil {
			return err
		}
		fmt.Printf("added %s (%s)\n", added.Display(), added.ID)
		return nil
	}),
}

var targetsEnableCmd = &cobra.Command{
	Use:   "enable NAME",
	Short: "Resume posting kills of a target",
	Args:  cobra.MinimumNArgs(1),
	RunE:  withStore(setEnabled(true)),
}

var targetsDisableCmd = &cobra.Command{
	Use:   "disable NAME",
	Short: "Keep tracking a target without posting its kills",
	Args:  cobra.MinimumNArgs(1),
	RunE:  withStore(setEnabled(false)),
}

var targetsRemoveCmd = &cobra.Command{
	Use:   "remove NAME",
	Short: "Stop tracking a target",
	Args:  cobra.MinimumNArgs(1),
	RunE: withStore(func(ctx context.Context, s *registry.Store, args []string) error {
		id := model.TargetID(strings.Join(args, " "), targetNote)
		if err := s.Remove(ctx, id); err != nil {
			return err
		}
		fmt.Printf("removed %s\n", id)
		return nil
	}),
}

var targetsImportCmd = &cobra.Command{
	Use:   "import FILE",
	Short: "Import targets from a YAML seed file",
	Args:  cobra.ExactArgs(1),
	RunE: withStore(func(ctx context.Context, s *registry.Store, args []string) error {
		res, err := s.ImportFile(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("imported %d targets, %d already tracked\n", res.Added, res.Skipped)
		return nil
	}),
}

func init() {
	rootCmd.AddCommand(targetsCmd)
	targetsCmd.AddCommand(targetsListCmd, targetsAddCmd, targetsEnableCmd, targetsDisableCmd, targetsRemoveCmd, targetsImportCmd)

	for _, c := range []*cobra.Command{targetsAddCmd, targetsEnableCmd, targetsDisableCmd, targetsRemoveCmd} {
		c.Flags().StringVar(&targetNote, "note", "", "annotation that tells same-named targets apart")
	}
	targetsAddCmd.Flags().StringVar(&targetLocation, "location", "", "zone name, or Lockouts for lockout-only targets")
	targetsAddCmd.Flags().BoolVar(&targetDisabled, "disabled", false, "track without posting")
	targetsAddCmd.Flags().Float64Var(&targetRespawn, "respawn-hours", 0, "respawn time in hours")
}

func setEnabled(enabled bool) func(context.Context, *registry.Store, []string) error {
	return func(ctx context.Context, s *registry.Store, args []string) error {
		id := model.TargetID(strings.Join(args, " "), targetNote)
		if err := s.SetEnabled(ctx, id, enabled); err != nil {
			if errors.Is(err, registry.ErrNotFound) && targetNote == "" {
				return fmt.Errorf("%w (use --note for annotated targets)", err)
			}
			return err
		}
		state := "disabled"
		if enabled {
			state = "enabled"
		}
		fmt.Printf("%s %s\n", state, id)
		return nil
	}
}

// withStore opens the registry for the duration of one command.
func withStore(fn func(context.Context, *registry.Store, []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		s, err := registry.Open(registry.Config{Path: cfg.Storage.Registry, SyncWrites: true, Logger: slog.Default()})
		if err != nil {
			return fmt.Errorf("open target registry: %w", err)
		}
		defer s.Close()
		return fn(cmd.Context(), s, args)
	}
}

var (
	styleHeader   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39")).Padding(0, 1)
	styleCell     = lipgloss.NewStyle().Padding(0, 1)
	styleDisabled = styleCell.Foreground(lipgloss.Color("245")).Faint(true)
)

func targetTable(targets []model.TrackedTarget) string {
	rows := make([][]string, 0, len(targets))
	for _, t := range targets {
		last := "-"
		if t.LastKilledStamp != "" {
			last = t.LastKilledStamp
		}
		respawn := "-"
		if at, ok := t.NextRespawn(); ok {
			respawn = at.Local().Format("Mon Jan 02 15:04")
		}
		rows = append(rows, []string{t.Location, t.Display(), strconv.FormatBool(t.Enabled), strconv.Itoa(t.KillCount), last, respawn})
	}

	return table.New().
		Border(lipgloss.RoundedBorder()).
		Headers("LOCATION", "TARGET", "ENABLED", "KILLS", "LAST KILL", "RESPAWN").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return styleHeader
			}
			if row >= 0 && row < len(targets) && !targets[row].Enabled {
				return styleDisabled
			}
			return styleCell
		}).
		String()
}
