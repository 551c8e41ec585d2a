// Command dbnode runs one replica of the document database: storage,
// search indexes, the commit path, raft replication, and the HTTP
// API, all in a single process.
//
// Grounded on _examples/cuemby-warren/cmd/warren/main.go's rootCmd/
// init/initLogging shape: a single cobra root with persistent config
// flags bound via pkg/config.BindFlags, logging initialized once
// before any subcommand runs.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cuemby/docbase/pkg/config"
	"github.com/cuemby/docbase/pkg/log"
)

var cfg config.Config

func main() {
	cfg = loadConfig(os.Args[1:])

	rootCmd := newRootCmd()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig pre-scans args for --config before cobra's own flag
// parsing runs, since pkg/config.BindFlags needs the file's values
// already in cfg to use as the flags' defaults -- a CLI flag should
// override a config file value, not the other way around.
func loadConfig(args []string) config.Config {
	fs := flag.NewFlagSet("dbnode", flag.ContinueOnError)
	fs.SetOutput(discardWriter{})
	path := fs.String("config", "", "")
	_ = fs.Parse(args)

	cfg, err := config.Load(*path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "dbnode",
		Short: "dbnode runs one replica of the document database",
	}
	root.PersistentFlags().String("config", "", "Path to a YAML config file")
	config.BindFlags(root, &cfg)
	cobra.OnInitialize(func() { log.Init(cfg.LogConfig()) })

	root.AddCommand(bootstrapCmd)
	root.AddCommand(serveCmd)
	root.AddCommand(joinCmd)
	root.AddCommand(statusCmd)
	return root
}
