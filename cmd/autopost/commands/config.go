package commands

import (
	"encoding/json"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/teranos/autopost/am"
	"github.com/teranos/autopost/errors"
	"github.com/teranos/autopost/sym"
)

// ConfigCmd represents the config command
var ConfigCmd = &cobra.Command{
	Use:   "config",
	Short: sym.AM + " Show, create and validate configuration",
	Long: sym.AM + ` config — autopost configuration

Configuration sources (in order of precedence):
1. Environment variables (AUTOPOST_* prefix, e.g. AUTOPOST_POSTER_APP_PASSWORD)
2. --config, or the nearest autopost.toml from the working directory up
3. User config (~/.autopost/autopost.toml)
4. System config (/etc/autopost/autopost.toml)
5. Default values

Examples:
  autopost config show
  autopost config show --format yaml
  autopost config init
  autopost config validate`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the merged configuration (secrets redacted)",
	RunE:  runConfigShow,
}

var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write a config file with every default",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runConfigInit,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the merged configuration",
	RunE:  runConfigValidate,
}

var (
	configFormat string
	configForce  bool
)

func init() {
	configShowCmd.Flags().StringVar(&configFormat, "format", "toml", "Output format: toml, json, yaml")
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "Overwrite an existing file (the old one is backed up)")

	ConfigCmd.AddCommand(configShowCmd)
	ConfigCmd.AddCommand(configInitCmd)
	ConfigCmd.AddCommand(configValidateCmd)
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	settings, err := am.Settings()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}

	out := cmd.OutOrStdout()
	if path := am.ConfigPath(); path != "" {
		printf(out, "# from %s\n", path)
	}

	switch configFormat {
	case "toml":
		return errors.Wrap(toml.NewEncoder(out).Encode(settings), "failed to encode config as TOML")
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return errors.Wrap(enc.Encode(settings), "failed to encode config as JSON")
	case "yaml":
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		if err := enc.Encode(settings); err != nil {
			return errors.Wrap(err, "failed to encode config as YAML")
		}
		return errors.Wrap(enc.Close(), "failed to flush YAML")
	default:
		return errors.Mark(errors.Newf("unsupported format: %s (supported: toml, json, yaml)", configFormat), errors.ErrInvalidInput)
	}
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	path := am.DefaultConfigName
	if len(args) == 1 {
		path = args[0]
	}
	if err := am.InitConfig(path, configForce); err != nil {
		return err
	}
	printf(cmd.OutOrStdout(), "%s Wrote %s\n", sym.AM, path)
	return nil
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if _, err := slotConfig(cfg); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if path := am.ConfigPath(); path != "" {
		unknown, err := am.UnknownKeys(path)
		if err != nil {
			return err
		}
		for _, key := range unknown {
			printf(out, "warning: unknown key %q in %s\n", key, path)
		}
	}
	printf(out, "%s Configuration is valid\n", sym.AM)
	return nil
}
