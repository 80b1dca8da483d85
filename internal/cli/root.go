// Package cli implements syncctl, the command-line client for a running
// syncd.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/onnwee/offline-sync/internal/logger"
)

// All linker flags will be set at build time.
var (
	version = "dev"
	commit  = "none"
)

const (
	outputTable = "table"
	outputJSON  = "json"
)

type app struct {
	v      *viper.Viper
	out    io.Writer
	client *Client
}

// NewRootCmd builds the command tree. Output goes to out.
func NewRootCmd(out io.Writer) *cobra.Command {
	a := &app{v: viper.New(), out: out}

	root := &cobra.Command{
		Use:               "syncctl",
		Short:             "Inspect and drive a running offline sync daemon.",
		Long:              `syncctl reads cached entries, manages the pending operation queue and watches sync events over the syncd local API.`,
		Version:           fmt.Sprintf("%s (%s)", version, commit),
		SilenceErrors:     true,
		SilenceUsage:      true,
		PersistentPreRunE: a.setup,
		Run: func(cmd *cobra.Command, _ []string) {
			_ = cmd.Help()
		},
	}
	root.SetOut(out)

	pf := root.PersistentFlags()
	pf.String("config", "", "config file (default .syncctl.yaml in . or $HOME)")
	pf.String("addr", "http://127.0.0.1:8787", "syncd API address")
	pf.Duration("timeout", 10*time.Second, "request timeout")
	pf.StringP("output", "o", outputTable, "output format: table or json")
	pf.Bool("no-color", false, "disable colored output")
	_ = a.v.BindPFlags(pf)

	root.AddCommand(
		a.statusCmd(),
		a.statsCmd(),
		a.getCmd(),
		a.putCmd(),
		a.rmCmd(),
		a.clearCmd(),
		a.lsCmd(),
		a.queueCmd(),
		a.syncCmd(),
		a.lifecycleCmd(),
		a.watchCmd(),
	)
	return root
}

// setup merges defaults, config file, SYNCCTL_* env and flags.
func (a *app) setup(_ *cobra.Command, _ []string) error {
	if configFile := a.v.GetString("config"); configFile != "" {
		a.v.SetConfigFile(configFile)
	} else {
		a.v.SetConfigName(".syncctl")
		a.v.SetConfigType("yaml")
		a.v.AddConfigPath(".")
		a.v.AddConfigPath("$HOME")
	}
	a.v.SetEnvPrefix("SYNCCTL")
	a.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	a.v.AutomaticEnv()

	if err := a.v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	switch a.v.GetString("output") {
	case outputTable, outputJSON:
	default:
		return fmt.Errorf("unknown output format %q", a.v.GetString("output"))
	}
	if a.v.GetBool("no-color") {
		color.NoColor = true
	}
	a.client = NewClient(a.v.GetString("addr"), a.v.GetDuration("timeout"))
	return nil
}

func (a *app) jsonOutput() bool { return a.v.GetString("output") == outputJSON }

// Execute runs syncctl and returns the process exit code.
func Execute() int {
	// keep client-side request logging off stdout
	logger.InitWithWriter("error", os.Stderr, false)

	ctx, cancel := signalContext(context.Background())
	defer cancel()

	if err := NewRootCmd(os.Stdout).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "❌", err)
		return 1
	}
	return 0
}
