package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"

	"github.com/cepharum/actord/internal/log"
	"github.com/cepharum/actord/internal/model"
	"gopkg.in/yaml.v3"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	userConfigPath string // /default/config/path/actord on given OS
	configPath     string // actual config file used (if loaded)
	config         model.Config
	closeLog       = func() error { return nil }

	// flags and ACTORD_* environment variables
	v = viper.New()
)

func init() {
	d, err := os.UserConfigDir()
	if err != nil {
		panic(err)
	}
	userConfigPath = filepath.Join(d, "actord")

	v.SetEnvPrefix("actord")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

func main() {
	// root flags
	rootCmd.PersistentFlags().String("config", "", "Config file to load - default is actord.yaml in current directory or in "+userConfigPath)
	rootCmd.PersistentFlags().Bool("verbose", false, "verbose logging")
	serveCmd.Flags().String("listen", "", "address to listen on, overrides service.listen")

	must(v.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config")))
	must(v.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose")))
	must(v.BindPFlag("listen", serveCmd.Flags().Lookup("listen")))

	// never print messages
	rootCmd.SilenceErrors = true

	// parse or create a config, setup logging
	rootCmd.PersistentPreRunE = initActord
	rootCmd.PersistentPostRunE = func(*cobra.Command, []string) error {
		return closeLog()
	}

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		slog.Error("actord failed", "err", err)
		_ = closeLog()
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "actord",
	Short:        "Daemon triggering registered scripts over HTTP",
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "serve reads the configuration and exposes the actors over HTTP",
	RunE:  doServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version provide version of actord",
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("actord: version info not available")
			return
		}

		if configPath != "" {
			fmt.Printf("config: %s\n", configPath)
		}
		fmt.Printf("actord: %s\n", info.Main.Version)
		fmt.Printf("go:     %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Printf("commit: %s\n", s.Value)
			case "vcs.time":
				fmt.Printf("date:   %s\n", s.Value)
			case "vcs.modified":
				fmt.Printf("dirty:  %s\n", s.Value)
			}
		}
		fmt.Println()
	},
}

func initActord(cmd *cobra.Command, _ []string) error {
	configPath = v.GetString("config")
	if configPath == "" {
		for _, d := range []string{userConfigPath, "."} {
			path := filepath.Join(d, "actord.yaml")
			if exists(path) {
				configPath = path
				break
			}
		}
	}

	if configPath == "" {
		var err error
		configPath, err = storeDefault()
		if err != nil {
			return err
		}
	} else {
		f, err := os.Open(configPath)
		if err != nil {
			return fmt.Errorf("opening config file: %w", err)
		}
		defer func() {
			_ = f.Close()
		}()
		config, err = model.LoadConfig(f)
		if err != nil {
			for _, d := range model.ConfigErrDetails(err) {
				slog.Error("invalid configuration", d.Attr("detail"))
			}
			return fmt.Errorf("parsing config: %w", err)
		}
	}

	// flags and environment have a precedence over config file
	if v.IsSet("verbose") {
		config.Service.Verbose = v.GetBool("verbose")
	}
	if v.IsSet("listen") {
		config.Service.Listen = v.GetString("listen")
	}

	w, closer, err := log.Open(config.Service.Log)
	if err != nil {
		return err
	}
	closeLog = closer
	slog.SetDefault(log.New(w, config.Service.Verbose))

	slog.Debug("actord run", "configPath", configPath)
	slog.Debug("actord run", "config", config)
	return nil
}

// storeDefault writes the default configuration to the user config dir, so
// it can be edited for the next run.
func storeDefault() (string, error) {
	config = model.DefaultConfig()
	path := filepath.Join(userConfigPath, "actord.yaml")
	err := os.MkdirAll(filepath.Dir(path), 0755)
	if err != nil {
		return "", fmt.Errorf("creating directory %s: %w", filepath.Dir(path), err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return "", fmt.Errorf("creating file %s: %w", path, err)
	}
	enc := yaml.NewEncoder(f)
	err = errors.Join(enc.Encode(config), enc.Close(), f.Close())
	if err != nil {
		return "", fmt.Errorf("storing configuration: %w", err)
	}
	return path, nil
}

func must(err error) {
	if err != nil {
		panic(err)
	}
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
