package main

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/sghaida/cop/internal/config"
	"github.com/sghaida/cop/internal/logging"
)

var version = "dev"

// cli carries what the root command resolves for its subcommands.
type cli struct {
	cfgFile string
	cfg     config.Config
	log     *zap.Logger
}

func newRootCmd() *cobra.Command {
	c := &cli{log: zap.NewNop()}

	root := &cobra.Command{
		Use:          "cop",
		Short:        "Composite runtime tooling",
		Long:         `Generates typed facades for composite contracts and checks application descriptors.`,
		Version:      version,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.init()
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			_ = c.log.Sync()
		},
	}

	root.PersistentFlags().StringVarP(&c.cfgFile, "config", "c", "", "config file (env COP_* overrides)")

	root.AddCommand(newGenCmd(c), newLintCmd(c))
	return root
}

func (c *cli) init() error {
	cfg, err := config.Load(viper.New(), c.cfgFile)
	if err != nil {
		return err
	}
	log, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	c.cfg = cfg
	c.log = log
	return nil
}
