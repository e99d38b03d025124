package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/Paintersrp/subproc/internal/logging"
)

const envPrefix = "SUBPROC"

// Settings are the CLI-wide options resolved from flags, SUBPROC_*
// environment variables and an optional settings file, in that order of
// precedence.
type Settings struct {
	Log         logging.Config `mapstructure:"log"`
	MetricsAddr string         `mapstructure:"metrics_addr"`
}

// settingKeys maps viper keys to the persistent flags bound to them.
var settingKeys = map[string]string{
	"log.level":    "log-level",
	"log.format":   "log-format",
	"log.no_color": "no-color",
	"metrics_addr": "metrics-addr",
}

func addSettingsFlags(flags *pflag.FlagSet) {
	flags.String("config", "", "Path to a YAML settings file")
	flags.String("log-level", "info", "Log level (trace, debug, info, warn, error, off)")
	flags.String("log-format", logging.FormatAuto, "Log format (auto, console, json)")
	flags.Bool("no-color", false, "Disable colored console logs")
	flags.String("metrics-addr", "", "Serve /metrics and /api/v1/status on this address while running")
}

func loadSettings(flags *pflag.FlagSet) (Settings, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, name := range settingKeys {
		flag := flags.Lookup(name)
		if flag == nil {
			continue
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return Settings{}, fmt.Errorf("bind flag %s: %w", name, err)
		}
	}

	if flag := flags.Lookup("config"); flag != nil && flag.Value.String() != "" {
		v.SetConfigFile(flag.Value.String())
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Settings{}, fmt.Errorf("read settings %s: %w", flag.Value.String(), err)
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return Settings{}, fmt.Errorf("decode settings: %w", err)
	}
	s.Log.ApplyDefaults()
	if err := s.Log.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}
