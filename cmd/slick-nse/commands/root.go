// Package commands implements the slick-nse CLI, which drives the notification extension
// path against an existing data directory.
package commands

import (
	"fmt"

	nse "github.com/meow-io/slick-nse"
	"github.com/meow-io/slick-nse/config"
	"github.com/spf13/cobra"
)

var (
	root       string
	passphrase string
	configPath string
	debug      bool

	node *nse.NSE
)

func Execute() error {
	return run(newRootCmd())
}

// run closes the database even when a command failed.
func run(cmd *cobra.Command) error {
	err := cmd.Execute()
	if node != nil {
		if serr := node.Shutdown(); serr != nil && err == nil {
			err = serr
		}
		node = nil
	}
	return err
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "slick-nse",
		Short:        "Process encrypted push envelopes and inspect session state",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if passphrase == "" {
				return fmt.Errorf("passphrase required (-p)")
			}
			c, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if node, err = nse.New(c, nse.Dependencies{}); err != nil {
				return err
			}
			key, err := node.NewKey(passphrase)
			if err != nil {
				return err
			}
			if node.New() {
				return node.Initialize(key)
			}
			return node.Open(key)
		},
	}

	cmd.PersistentFlags().StringVar(&root, "root", ".", "data directory")
	cmd.PersistentFlags().StringVarP(&passphrase, "passphrase", "p", "", "passphrase protecting the database")
	cmd.PersistentFlags().StringVar(&configPath, "config", "", "YAML config file")
	cmd.PersistentFlags().BoolVar(&debug, "debug", false, "log at debug level")

	cmd.AddCommand(processCmd(), sessionCmd(), envelopesCmd(), pruneCmd())
	return cmd
}

// loadConfig applies flags which were set explicitly on top of the config file. The CLI
// always runs in the extension context.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	flags := cmd.Flags()
	var opts []config.Option
	if configPath == "" || flags.Changed("root") {
		opts = append(opts, config.WithRootDir(root))
	}
	if flags.Changed("debug") {
		opts = append(opts, config.WithDebug(debug))
	}
	opts = append(opts,
		config.WithLoggingPrefix("slick-nse"),
		config.WithExecutionContext(config.Extension),
	)

	if configPath == "" {
		return config.NewConfig(opts...), nil
	}
	return config.FromFile(configPath, opts...)
}
