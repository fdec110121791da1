// AngelaMos | 2026
// root.go

package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/carterperez-dev/entitlement-engine/internal/app"
	"github.com/carterperez-dev/entitlement-engine/internal/config"
)

// openApp builds the shared components from the config file. Tests
// replace it.
var openApp = func(ctx context.Context, cfgPath string) (*app.App, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	return app.New(ctx, cfg, app.NewLogger(cfg.Log, os.Stderr), app.Options{})
}

type rootOptions struct {
	cfgFile      string
	outputFormat string
}

func NewRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "entitlementctl",
		Short: "Operate the entitlement engine",
		Long: `entitlementctl inspects and repairs entitlement state directly
against the engine's database and cache, for on-call use when the HTTP
admin surface is unavailable.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.cfgFile, "config", "config.yaml", "path to config file")
	cmd.PersistentFlags().StringVarP(&opts.outputFormat, "output", "o", formatTable, "output format: table, json, yaml")

	cmd.AddCommand(newStatusCmd(opts))
	cmd.AddCommand(newUsageCmd(opts))
	cmd.AddCommand(newExpireCmd(opts))
	cmd.AddCommand(newInvalidateCmd(opts))
	cmd.AddCommand(newMigrateCmd(opts))

	return cmd
}

func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return NewRootCmd().ExecuteContext(ctx)
}

// withApp opens the components, runs fn and closes them again.
func (o *rootOptions) withApp(cmd *cobra.Command, fn func(*app.App) error) error {
	a, err := openApp(cmd.Context(), o.cfgFile)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.Close(); cerr != nil {
			a.Logger.Warn("close resources", "error", cerr)
		}
	}()
	return fn(a)
}
