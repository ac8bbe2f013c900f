package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/lorddemonos/killfeed/internal/config"
)

var (
	cfgFile string
	debug   bool
)

// rootCmd is the base command when called without subcommands.
var rootCmd = &cobra.Command{
	Use:   "killfeed",
	Short: "killfeed - raid kill notifier",
	Long: `killfeed tails the EverQuest chat log, recognises kills of tracked
targets and posts one message per kill to a Discord webhook, however many
log lines describe it.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default: $HOME/.killfeed.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
	rootCmd.PersistentFlags().String("log-dir", "", "EverQuest Logs directory")
	_ = viper.BindPFlag("eqlog.dir", rootCmd.PersistentFlags().Lookup("log-dir"))
}

func initConfig() {
	config.SetDefaults(viper.GetViper(), config.DataDir())

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		viper.AddConfigPath(home)
		viper.AddConfigPath(".")
		viper.SetConfigName(".killfeed")
		viper.SetConfigType("yaml")
	}

	config.BindEnv(viper.GetViper())
	_ = viper.ReadInConfig()
}

// loadConfig decodes the merged settings and installs the slog handler.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return config.Config{}, fmt.Errorf("invalid configuration: %w", err)
	}

	level, _ := config.ParseLevel(cfg.LogLevel)
	if debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if used := viper.ConfigFileUsed(); used != "" {
		slog.Debug("config loaded", "file", used)
	}
	return cfg, nil
}
