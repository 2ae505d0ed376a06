package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"syscall"

	"github.com/oss-compass/openchecker/internal/log"
	"github.com/oss-compass/openchecker/internal/model"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const configName = "openchecker.yaml"

var (
	userConfigPath string // /default/config/path/openchecker on given OS
	configPath     string // actual config file used (if loaded)
	config         model.Config

	flagConfigFilePath string // value of --config flag
	flagVerbose        bool   // value of --verbose flag

	env = viper.New()
)

func init() {
	d, err := os.UserConfigDir()
	if err != nil {
		d = "."
	}
	userConfigPath = filepath.Join(d, "openchecker")

	_ = env.BindEnv("config", "OPENCHECKER_CONFIG")
	_ = env.BindEnv("log.level", "LOG_LEVEL")
	_ = env.BindEnv("log.format", "LOG_FORMAT")
}

func main() {
	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "", "Config file to load - default is "+configName+" in "+userConfigPath+" or in current directory")
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")

	// never print messages
	rootCmd.SilenceErrors = true

	// parse a config, setup logging
	rootCmd.PersistentPreRunE = initOpenChecker

	rootCmd.AddCommand(intakeCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(tasksCmd)
	rootCmd.AddCommand(hashPasswordCmd)
	rootCmd.AddCommand(versionCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		slog.Error("openchecker failed", "err", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "openchecker",
	Short:        "Repository analysis service: job intake and check workers",
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version provide version of openchecker",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Fprintln(out, "openchecker: version info not available")
			return
		}

		if configPath != "" {
			fmt.Fprintf(out, "config:      %s\n", configPath)
		}
		fmt.Fprintf(out, "openchecker: %s\n", info.Main.Version)
		fmt.Fprintf(out, "go:          %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Fprintf(out, "commit:      %s\n", s.Value)
			case "vcs.time":
				fmt.Fprintf(out, "date:        %s\n", s.Value)
			case "vcs.modified":
				fmt.Fprintf(out, "dirty:       %s\n", s.Value)
			}
		}
	},
}

func initOpenChecker(cmd *cobra.Command, _ []string) error {
	// a missing .env is fine
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("loading .env: %w", err)
	}

	if envConfig := env.GetString("config"); envConfig != "" {
		configPath = envConfig
	} else if flagConfigFilePath != "" {
		configPath = flagConfigFilePath
	} else {
		for _, d := range []string{userConfigPath, "."} {
			path := filepath.Join(d, configName)
			if exists(path) {
				configPath = path
				break
			}
		}
	}

	if configPath == "" {
		config = model.DefaultConfig()
	} else {
		loaded, err := loadConfig(configPath)
		if err != nil {
			return err
		}
		config = *loaded
	}

	// env wins over the config file, --verbose over both
	if v := env.GetString("log.level"); v != "" {
		config.Log.Level = v
	}
	if v := env.GetString("log.format"); v != "" {
		config.Log.Format = v
	}
	if flagVerbose {
		config.Log.Level = "debug"
	}

	level, err := log.ParseLevel(config.Log.Level)
	if err != nil {
		return err
	}
	logger, err := log.New(os.Stderr, level, config.Log.Format)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	slog.Debug("openchecker run", "configPath", configPath, "cmd", cmd.Name())
	return nil
}

func loadConfig(path string) (*model.Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening config file: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()
	cfg, err := model.LoadConfig(f)
	if err != nil {
		for _, d := range model.CueErrDetails(err) {
			slog.Error(d.Message, d.Attr("detail"))
		}
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
