package cmd

import (
	"encoding/json"
	"io"
	"os"
	"strings"

	"rendernet/pkg/clients/render"
	"rendernet/pkg/config"
	"rendernet/pkg/jobs"
	"rendernet/pkg/logging"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
	output  string
	verbose bool
)

// NewRootCmd returns the root command for renderctl
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "renderctl",
		Short:         "renderctl: render network client",
		Long:          "Submit and track render jobs, watch the event stream, and relay events to Redis or Kafka.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			config.LoadEnv(nil)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is $HOME/.rendernet/config.yaml)")
	flags.StringVar(&output, "output", "", "output format: json|text (default: text)")
	flags.BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")
	flags.String("api-url", "", "REST API base URL (env RENDER_API_URL)")
	flags.String("stream-url", "", "event stream base URL (env RENDER_STREAM_URL)")
	flags.String("api-key", "", "API key or bearer token (env RENDER_API_KEY)")
	for _, name := range []string{"api-url", "stream-url", "api-key"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}

	cobra.OnInitialize(initConfig)

	rootCmd.AddCommand(newWatchCmd())
	rootCmd.AddCommand(newJobCmd())
	rootCmd.AddCommand(newRelayCmd())
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home + "/.rendernet")
			viper.SetConfigName("config")
		}
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("RENDER")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	// Ignore missing config
	_ = viper.ReadInConfig()
}

// loadSettings layers flags and the config file over RENDER_* defaults.
func loadSettings() config.Settings {
	s := config.LoadSettings()
	if v := viper.GetString("api-url"); v != "" {
		s.APIURL = v
	}
	if v := viper.GetString("stream-url"); v != "" {
		s.StreamURL = v
	}
	if v := viper.GetString("api-key"); v != "" {
		s.APIKey = v
	}
	return s
}

func newLogger(service string) logging.Logger {
	logger := logging.NewLoggerWithService(service)
	logger.SetOutput(os.Stderr)
	if verbose {
		logger.SetLevel(logrus.DebugLevel)
	}
	return logger
}

func newOrchestrator(s config.Settings, logger logging.Logger, opts ...jobs.Option) *jobs.Orchestrator {
	client := render.NewClient(render.Config{
		BaseURL: s.APIURL,
		APIKey:  s.APIKey,
		Timeout: s.RequestTimeout,
		Logger:  logger,
	})
	d := jobs.DefaultSettings()
	d.PollInterval = s.PollInterval
	d.WaitTimeout = s.WaitTimeout
	opts = append([]jobs.Option{jobs.WithLogger(logger), jobs.WithDefaults(d)}, opts...)
	return jobs.NewOrchestrator(client, opts...)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
