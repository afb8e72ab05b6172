// Package main provides the NornicGraph CLI entry point.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/orneryd/nornicgraph/pkg/config"
	"github.com/orneryd/nornicgraph/pkg/graphdb"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "nornicgraph",
		Short: "NornicGraph - embedded graph query and transaction engine",
		Long: `NornicGraph is an embedded property graph engine with a Cypher
subset, snapshot-isolated ACID transactions backed by a write-ahead log,
B-tree property indexes and budget-bounded hybrid search.

Configuration is read from --config (YAML) and NORNICGRAPH_* environment
variables, environment winning.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().String("config", "", "YAML configuration file")
	rootCmd.PersistentFlags().String("data-dir", "", "Data directory (overrides configuration)")
	rootCmd.PersistentFlags().String("engine", "", "Storage engine: memory or badger (overrides configuration)")
	rootCmd.PersistentFlags().String("log-level", "", "Log level (overrides configuration)")

	// Version command
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "NornicGraph v%s (%s)\n", version, commit)
		},
	})

	// Query command
	queryCmd := &cobra.Command{
		Use:   "query [cypher]",
		Short: "Run a Cypher query in its own transaction",
		Args:  cobra.ExactArgs(1),
		RunE:  runQuery,
	}
	queryCmd.Flags().StringArrayP("param", "p", nil, "Query parameter as name=value (value is parsed as YAML)")
	queryCmd.Flags().String("preset", "", "Budget preset (default from configuration)")
	queryCmd.Flags().Bool("stats", false, "Print execution counters after the rows")
	rootCmd.AddCommand(queryCmd)

	// Explain command
	rootCmd.AddCommand(&cobra.Command{
		Use:   "explain [cypher]",
		Short: "Show the execution plan of a query",
		Args:  cobra.ExactArgs(1),
		RunE:  runExplain,
	})

	// Search command
	searchCmd := &cobra.Command{
		Use:   "search",
		Short: "Hybrid keyword, semantic and proximity search",
		RunE:  runSearch,
	}
	searchCmd.Flags().String("text", "", "Keyword text")
	searchCmd.Flags().String("vector", "", "Query embedding as comma separated floats")
	searchCmd.Flags().StringSlice("anchor", nil, "Anchor entity ids for proximity")
	searchCmd.Flags().StringSlice("type", nil, "Restrict results to these entity types")
	searchCmd.Flags().Int("limit", 10, "Maximum number of hits")
	searchCmd.Flags().String("preset", "", "Budget preset (default from configuration)")
	rootCmd.AddCommand(searchCmd)

	// Index commands
	indexCmd := &cobra.Command{
		Use:   "index",
		Short: "Manage property indexes",
	}
	indexCmd.PersistentFlags().Bool("relationship", false, "Index relationship properties instead of entity properties")
	indexCmd.AddCommand(&cobra.Command{
		Use:   "create [Type.property]",
		Short: "Create an index",
		Args:  cobra.ExactArgs(1),
		RunE:  runIndexCreate,
	})
	indexCmd.AddCommand(&cobra.Command{
		Use:   "drop [Type.property]",
		Short: "Drop an index",
		Args:  cobra.ExactArgs(1),
		RunE:  runIndexDrop,
	})
	indexCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List indexes and constraints",
		RunE:  runIndexList,
	})
	rootCmd.AddCommand(indexCmd)

	// Constraint commands
	constraintCmd := &cobra.Command{
		Use:   "constraint",
		Short: "Manage unique and required constraints",
	}
	constraintCmd.PersistentFlags().Bool("relationship", false, "Constrain relationship properties instead of entity properties")
	constraintCmd.AddCommand(&cobra.Command{
		Use:   "add [unique|required] [Type.property]",
		Short: "Add a constraint, validating existing data",
		Args:  cobra.ExactArgs(2),
		RunE:  runConstraintAdd,
	})
	constraintCmd.AddCommand(&cobra.Command{
		Use:   "drop [unique|required] [Type.property]",
		Short: "Drop a constraint",
		Args:  cobra.ExactArgs(2),
		RunE:  runConstraintDrop,
	})
	rootCmd.AddCommand(constraintCmd)

	// Checkpoint command
	rootCmd.AddCommand(&cobra.Command{
		Use:   "checkpoint",
		Short: "Flush the store and trim the write-ahead log",
		RunE:  runCheckpoint,
	})

	// Stats command
	rootCmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show engine statistics",
		RunE:  runStats,
	})

	// WAL commands
	walCmd := &cobra.Command{
		Use:   "wal",
		Short: "Write-ahead log maintenance",
	}
	walCmd.AddCommand(&cobra.Command{
		Use:   "verify",
		Short: "Check WAL framing, checksums and sequence order",
		RunE:  runWALVerify,
	})
	rootCmd.AddCommand(walCmd)

	return rootCmd
}

// loadConfig resolves the configuration from the file, the environment and
// the persistent flags, in that order.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if dir, _ := cmd.Flags().GetString("data-dir"); dir != "" {
		cfg.Storage.DataDir = dir
	}
	if engine, _ := cmd.Flags().GetString("engine"); engine != "" {
		cfg.Storage.Engine = engine
	}
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.Logging.Level = level
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.Memory.ApplyRuntimeMemory()
	return cfg, nil
}

// withDB opens the database for the duration of fn.
func withDB(cmd *cobra.Command, fn func(db *graphdb.DB) error) (err error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	db, err := graphdb.Open(cfg)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		if cerr := db.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("closing database: %w", cerr)
		}
	}()
	return fn(db)
}
