package main

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/WebFirstLanguage/historynet/pkg/config"
)

const defaultHomeDir = ".historynet"

// cli carries state shared by the subcommands
type cli struct {
	home   string
	viper  *viper.Viper
	conf   *config.Config
	logger *zap.Logger
}

func rootCommand() *cobra.Command {
	c := &cli{viper: viper.New()}

	cmd := &cobra.Command{
		Use:           "historynet",
		Short:         "Peer-to-peer network serving verified block history",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			return c.load(cmd)
		},
	}

	cmd.PersistentFlags().StringVar(&c.home, "home", defaultHome(), "directory for config and data")
	cmd.PersistentFlags().String("log-level", "info", "log level (debug | info | warn | error)")
	cmd.PersistentFlags().Bool("dev", false, "human-readable development logging")
	cmd.PersistentFlags().String("control-addr", "127.0.0.1:9010", "control API address; unix:///path for a socket")

	cmd.AddCommand(
		startCommand(c),
		statusCommand(c),
		keygenCommand(c),
		versionCommand(),
	)
	return cmd
}

// load binds the flags of cmd into viper and reads the configuration under home
func (c *cli) load(cmd *cobra.Command) error {
	if err := c.viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}
	conf, err := config.Load(c.viper, c.home)
	if err != nil {
		return err
	}
	logger, err := config.NewLogger(conf.LogLevel, conf.Dev)
	if err != nil {
		return err
	}
	c.conf = conf
	c.logger = logger
	return nil
}

func defaultHome() string {
	dir, err := os.UserHomeDir()
	if err != nil {
		return defaultHomeDir
	}
	return filepath.Join(dir, defaultHomeDir)
}

// controlEndpoint splits a control address into a network and address for net.Listen
func controlEndpoint(addr string) (string, string) {
	if path := strings.TrimPrefix(addr, "unix://"); path != addr {
		return "unix", path
	}
	return "tcp", addr
}
