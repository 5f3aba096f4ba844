package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/eteran/cask/internal/core"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// cli is the state of one command line invocation. Every invocation gets a
// fresh command tree, so flags and contexts never carry over.
type cli struct {
	cfgFile string
	v       *viper.Viper
	root    *cobra.Command

	// app is opened before every subcommand runs and closed after it.
	app *core.App
}

func newCLI() *cli {
	c := &cli{v: viper.New()}
	c.root = c.newRootCmd()
	return c
}

func (c *cli) newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "cask",
		Short:         "Key addressed object storage on the local filesystem",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := core.LoadConfig(c.v, c.cfgFile)
			if err != nil {
				return err
			}

			logger, err := core.NewLogger(os.Stderr, cfg.LogLevel)
			if err != nil {
				return err
			}
			slog.SetDefault(logger)

			c.app, err = core.NewApp(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to open storage: %w", err)
			}

			slog.Debug("Opened storage", "root", cfg.Root, "journal", cfg.Journal)
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return c.close()
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&c.cfgFile, "config", "", "config file (default is ./cask.yaml or $HOME/.cask/cask.yaml)")

	flags.String("root", "", "directory objects are stored under")
	flags.String("public-url", "", "base URL object keys resolve against")
	flags.String("work-directory", "", "path segment between the root and every key")
	flags.String("checksum", "", "checksum algorithm uploads are verified with")
	flags.Int("workers", 0, "filesystem calls allowed in flight (0 means one per CPU)")
	flags.String("journal", "", "SQLite file recording multipart uploads")
	flags.String("log-level", "", "debug, info, warn or error")

	for key, flag := range map[string]string{
		"root":           "root",
		"public_url":     "public-url",
		"work_directory": "work-directory",
		"checksum":       "checksum",
		"workers":        "workers",
		"journal":        "journal",
		"log_level":      "log-level",
	} {
		if err := c.v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			panic(fmt.Sprintf("bind flag %s: %v", flag, err))
		}
	}

	cmd.AddCommand(
		c.newPutCmd(),
		c.newGetCmd(),
		c.newLsCmd(),
		c.newExistsCmd(),
		c.newMkdirCmd(),
		c.newRmCmd(),
		c.newCpCmd(),
		c.newMvCmd(),
		c.newURLCmd(),
		c.newSumCmd(),
		c.newMultipartCmd(),
	)
	return cmd
}

func (c *cli) close() error {
	if c.app == nil {
		return nil
	}

	err := c.app.Close()
	c.app = nil
	return err
}

// execute runs the command tree. The storage is closed even when the
// subcommand fails.
func (c *cli) execute(ctx context.Context) error {
	err := c.root.ExecuteContext(ctx)
	return errors.Join(err, c.close())
}

// Execute runs the command line with the process arguments.
func Execute(ctx context.Context) error {
	return newCLI().execute(ctx)
}
