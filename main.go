package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/cobra"

	"github.com/shipflow-core/server/internal/agent/model"
	"github.com/shipflow-core/server/internal/core"
	logx "github.com/shipflow-core/server/pkg/logger"
	pkgredis "github.com/shipflow-core/server/pkg/redis"
)

// AppConfig defines all configurable parameters, sourced from environment
// variables (loaded from .env for local runs).
type AppConfig struct {
	Env      core.Environment `envconfig:"APP_ENV" default:"development"`
	LogLevel string           `envconfig:"LOG_LEVEL"`

	// Infrastructure. An empty REDIS_URL keeps every store in memory.
	Redis pkgredis.Config

	// LLM provider
	APIKey  string `envconfig:"GEMINI_API_KEY"`
	BaseURL string `envconfig:"GEMINI_BASE_URL"`

	Response     model.ResponseModelConfig
	Conversation model.ConversationConfig
	Session      model.SessionConfig
	Batch        model.BatchConfig
	Carrier      model.CarrierConfig
	HTTP         model.HTTPConfig

	// DataFile is a CSV loaded as the connected data source at startup.
	DataFile string `envconfig:"DATA_FILE"`
}

var envFile string

func loadConfig() (*AppConfig, error) {
	if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "warning: could not load %s: %v\n", envFile, err)
	}

	var cfg AppConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("process environment config: %w", err)
	}
	if cfg.Carrier.Environment == "" {
		cfg.Carrier.Environment = cfg.Env.CarrierEnvironment()
	}
	logx.Init(logx.LoggerOpts{Environment: cfg.Env, Level: cfg.LogLevel})
	return &cfg, nil
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "shipflow",
		Short:         "Conversational shipping operations runtime",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Path to the .env file")

	root.AddCommand(newServeCmd())
	root.AddCommand(newChatCmd())
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
