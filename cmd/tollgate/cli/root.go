package cli

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/tollgate/tollgate/internal/config"
)

var (
	cfgFile    string
	dataDir    string
	appVersion string // set in Execute, reported by serve, mcp and the OpenAPI document
)

// Execute creates the root command tree and runs it.
func Execute(version, commit, date string) error {
	appVersion = version
	rootCmd := newRootCmd(version, commit, date)
	return rootCmd.Execute()
}

func newRootCmd(version, commit, date string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tollgate",
		Short: "API token gateway for ISP back-office systems",
		Long: `Tollgate: an API token gateway for ISP billing, UserSide and analytics backends.

Every request to a protected route is checked in order: bearer token, IP rules,
fixed-window rate limits, scope and endpoint access. Rejections are recorded as
security events that the Security Center aggregates into suspicious IPs and
failed-attempt rankings.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./tollgate.yaml)")
	cmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "data directory for the SQLite store (default: ~/.tollgate)")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newVersionCmd(version, commit, date))
	cmd.AddCommand(newTokenCmd())
	cmd.AddCommand(newIPRuleCmd())
	cmd.AddCommand(newBlockCmd())
	cmd.AddCommand(newSettingsCmd())
	cmd.AddCommand(newSecurityCmd())
	cmd.AddCommand(newAdminCmd())
	cmd.AddCommand(newConfigCmd())
	cmd.AddCommand(newMCPCmd())

	return cmd
}

// initConfig layers the config file and TOLLGATE_* environment variables
// over the built-in defaults. Seeding viper with the defaults makes every
// key known, so environment overrides reach nested keys on Unmarshal.
func initConfig() error {
	defaults, err := yaml.Marshal(config.DefaultYAMLConfig())
	if err != nil {
		return fmt.Errorf("encode default config: %w", err)
	}
	viper.SetConfigType("yaml")
	if err := viper.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return fmt.Errorf("load default config: %w", err)
	}

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("tollgate")
		viper.AddConfigPath(".")
		viper.AddConfigPath("$HOME/.tollgate")
	}

	viper.SetEnvPrefix("TOLLGATE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.MergeInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return fmt.Errorf("read config: %w", err)
		}
	}
	return nil
}

// loadConfig returns the effective configuration.
func loadConfig() (*config.YAMLConfig, error) {
	cfg := config.DefaultYAMLConfig()
	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if dataDir != "" {
		cfg.Database.DataDir = dataDir
	}
	return cfg, nil
}
