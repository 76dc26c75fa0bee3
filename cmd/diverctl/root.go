package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// config holds the global options every subcommand reads through viper --
// flags, then the DIVERCTL_* environment namespace, then a config file
// (diverctl.yaml in the current directory), in that precedence order.
type config struct {
	ArenaSize        int    `mapstructure:"arena-size"`
	LogLevel         string `mapstructure:"log-level"`
	IntervalOverride int64  `mapstructure:"interval-us"`
	StdinPort        int    `mapstructure:"stdin-port"`
	TickPort         int    `mapstructure:"tick-port"`
	TickEvent        int    `mapstructure:"tick-event"`
}

func newRootCmd() *cobra.Command {
	v := viper.New()

	root := &cobra.Command{
		Use:   "diverctl",
		Short: "Inspect and drive divervm program images",
		Long: `diverctl loads a compiled program image for the embeddable CIL-style
runtime in this module and inspects its descriptor tables, disassembles a
method, or drives its cyclic Run loop against a headless host, logging each
iteration's RunResult at debug level.`,
		SilenceUsage: true,
	}

	pf := root.PersistentFlags()
	pf.Int("arena-size", 1<<20, "managed memory arena size in bytes (statics region + heap)")
	pf.String("log-level", "info", "zap log level: debug, info, warn, error")
	pf.Int64("interval-us", 0, "override the image's recommended inter-iteration sleep interval (microseconds); 0 uses the image's own value")
	pf.Int("stdin-port", -1, "bridge stdin lines onto this cart-I/O stream port while running; -1 disables the bridge")
	pf.Int("tick-port", -1, "bridge a periodic cyclic-millis event onto this port while running; -1 disables the ticker")
	pf.Int("tick-event", 0, "event id used alongside --tick-port")

	v.BindPFlag("arena-size", pf.Lookup("arena-size"))
	v.BindPFlag("log-level", pf.Lookup("log-level"))
	v.BindPFlag("interval-us", pf.Lookup("interval-us"))
	v.BindPFlag("stdin-port", pf.Lookup("stdin-port"))
	v.BindPFlag("tick-port", pf.Lookup("tick-port"))
	v.BindPFlag("tick-event", pf.Lookup("tick-event"))
	v.SetEnvPrefix("DIVERCTL")
	v.AutomaticEnv()
	v.SetConfigName("diverctl")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	_ = v.ReadInConfig() // absence of a config file is not an error

	root.AddCommand(newRunCmd(v))
	root.AddCommand(newInspectCmd(v))
	root.AddCommand(newDisasmCmd(v))
	return root
}

func loadConfig(v *viper.Viper) config {
	return config{
		ArenaSize:        v.GetInt("arena-size"),
		LogLevel:         v.GetString("log-level"),
		IntervalOverride: v.GetInt64("interval-us"),
		StdinPort:        v.GetInt("stdin-port"),
		TickPort:         v.GetInt("tick-port"),
		TickEvent:        v.GetInt("tick-event"),
	}
}

func newLogger(level string) (*zap.Logger, error) {
	var zl zap.AtomicLevel
	if err := zl.UnmarshalText([]byte(strings.ToLower(level))); err != nil {
		return nil, fmt.Errorf("bad --log-level %q: %w", level, err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zl
	cfg.Encoding = "console"
	return cfg.Build()
}
