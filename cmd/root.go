package cmd

import (
	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"btbot/internal/config"
)

type rootOptions struct {
	configPath string
	dbType     string
	debug      bool
}

func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:           "btbot",
		Short:         "BT chat bot runtime",
		Long:          "btbot answers chat messages as BT: it keeps per-channel conversation sessions, remembers each user's recent turns and ends idle sessions.",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			if opts.debug {
				log.SetLevel(log.DebugLevel)
			}
		},
	}
	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to config.json (defaults to $BTBOT_CONFIG or ./config.json)")
	rootCmd.PersistentFlags().StringVar(&opts.dbType, "db", "", "database entry to use, e.g. sqlite3 or mysql (defaults to basic_config.db_type)")
	rootCmd.PersistentFlags().BoolVar(&opts.debug, "debug", false, "enable debug logging")

	serve := newServeCmd(opts)
	rootCmd.RunE = serve.RunE
	rootCmd.AddCommand(serve, newMigrateCmd(opts))
	return rootCmd
}

func (o *rootOptions) load() (*config.Config, string, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, "", err
	}
	dbType := o.dbType
	if dbType == "" {
		dbType = cfg.BasicConfig.DBType
	}
	return cfg, dbType, nil
}
