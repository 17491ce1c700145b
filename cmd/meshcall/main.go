package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/silviot/meshcall/pkg/config"
)

var (
	Version  = "dev"
	Revision = "local"
)

var (
	// configFile optional yaml config path
	configFile string
	// envFile optional dotenv file
	envFile string
	v       = viper.New()
)

func main() {
	if err := rootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "meshcall",
		Short:         "Headless participant for mesh video calls",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&configFile, "config", "c", "", "config file path")
	flags.StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the environment")

	root.AddCommand(serveCommand())
	root.AddCommand(versionCommand())
	return root
}

// loadConfig binds the command's flags and reads the configuration
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	if err := config.BindFlags(v, cmd.Flags()); err != nil {
		return nil, err
	}
	return config.Load(v, configFile, envFile)
}

// setupLogger creates a structured logger
func setupLogger(level slog.Level) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: level,
	}

	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("meshcall %s (revision %s)\n", Version, Revision)
		},
	}
}
