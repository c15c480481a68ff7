package main

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/syncmaven/syncmaven-sub000/pkg/config"
	"github.com/syncmaven/syncmaven-sub000/pkg/connector/devnull"
	"github.com/syncmaven/syncmaven-sub000/pkg/connector/registry"
	"github.com/syncmaven/syncmaven-sub000/pkg/connector/sdk"
	"github.com/syncmaven/syncmaven-sub000/pkg/connector/webhook"
	"github.com/syncmaven/syncmaven-sub000/pkg/errors"
	"github.com/syncmaven/syncmaven-sub000/pkg/logger"
)

var version = "0.1.0"

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var registerOnce sync.Once

// registerBuiltins makes the connectors compiled into this binary available
// as builtin:<name> packages.
func registerBuiltins() {
	registerOnce.Do(func() {
		_ = registry.RegisterBuiltin(devnull.Name, sdk.Func(devnull.New()))
		_ = registry.RegisterBuiltin(webhook.Name, sdk.Func(webhook.New()))
	})
}

// app holds the settings shared by every command. Flags are bound to
// SYNCMAVEN_* environment variables through viper.
type app struct {
	v *viper.Viper
}

func newRootCommand() *cobra.Command {
	registerBuiltins()
	a := &app{v: viper.New()}

	root := &cobra.Command{
		Use:   "syncmaven",
		Short: "Syncmaven - sync warehouse models to SaaS destinations",
		Long: `Syncmaven reads rows from a SQL model, tracks an incremental cursor and
streams the rows to a destination connector running as a container,
a local executable or a builtin.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup()
		},
	}

	pf := root.PersistentFlags()
	pf.StringP("project", "p", "syncmaven.yaml", "Path to the project file")
	pf.String("log-level", "", "Log level (debug, info, warn, error); defaults to the project setting")
	pf.String("log-format", "", "Log encoding (console, json); defaults to the project setting")
	pf.String("env-file", "", "Load environment variables from this file before reading the project")
	pf.String("container-runtime", "docker", "Container runtime used for docker: connector packages")
	pf.Bool("pull", true, "Pull connector images before starting them")

	a.v.SetEnvPrefix("SYNCMAVEN")
	a.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	a.v.AutomaticEnv()
	_ = a.v.BindPFlags(pf)

	root.AddCommand(
		newSyncCommand(a),
		newDescribeCommand(a),
		newStreamsCommand(a),
		newStateCommand(a),
		newConnectorsCommand(),
		newVersionCommand(),
	)
	return root
}

// setup runs before every command.
func (a *app) setup() error {
	if path := a.v.GetString("env-file"); path != "" {
		if err := godotenv.Load(path); err != nil {
			return errors.Wrap(err, errors.ErrorTypeConfig, "failed to load env file").
				WithDetail("path", path)
		}
	}
	if err := a.initLogger(config.ObservabilityConfig{}); err != nil {
		return err
	}
	registry.SetContainerRuntime(a.v.GetString("container-runtime"), a.v.GetBool("pull"))
	return nil
}

// initLogger configures the global logger. Flags and environment win over
// the project's observability settings.
func (a *app) initLogger(obs config.ObservabilityConfig) error {
	level := a.v.GetString("log-level")
	if level == "" {
		level = obs.LogLevel
	}
	encoding := a.v.GetString("log-format")
	if encoding == "" {
		encoding = obs.LogEncoding
	}
	if encoding == "" {
		encoding = "console"
	}
	if err := logger.Init(logger.Config{Level: level, Encoding: encoding}); err != nil {
		return errors.Wrap(err, errors.ErrorTypeConfig, "failed to initialize logger")
	}
	return nil
}

// loadProject reads the project file and applies its logging settings.
func (a *app) loadProject() (*config.Project, error) {
	path := a.v.GetString("project")
	project, err := config.LoadProject(path)
	if err != nil {
		return nil, err
	}
	if err := a.initLogger(project.Observability); err != nil {
		return nil, err
	}
	logger.Debug("project loaded",
		zap.String("path", path),
		zap.Int("syncs", len(project.Syncs)),
		zap.String("store", project.Store))
	return project, nil
}
