// Package main provides the TermGraph CLI entry point.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"

	"github.com/termgraph/termgraph/pkg/config"
	"github.com/termgraph/termgraph/pkg/inference"
	"github.com/termgraph/termgraph/pkg/relation"
	"github.com/termgraph/termgraph/pkg/rules"
	"github.com/termgraph/termgraph/pkg/server"
	"github.com/termgraph/termgraph/pkg/termgraph"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "termgraph",
		Short: "TermGraph - Relation Graph Store with Rule-Based Inference",
		Long: `TermGraph stores typed, weighted relations between domain terms and
derives new relations with algebraic inference rules (transitivity,
symmetry, equivalence, inverses). Everything the machine derives goes
through a human review queue before it joins the graph.

Features:
  • Typed, directed, confidence-weighted relation graph
  • Rule-based inference with full derivation provenance
  • Human-in-the-loop review queue for every inferred relation
  • SQLite source of truth with an optional BadgerDB read backend
  • HTTP API with bearer-token authentication`,
	}

	rootCmd.PersistentFlags().String("config", "", "Path to YAML config file (or set TERMGRAPH_CONFIG)")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("TermGraph v%s (%s)\n", version, commit)
		},
	})

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the TermGraph HTTP API server",
		RunE:  runServe,
	}
	serveCmd.Flags().String("address", "", "Bind address (overrides config)")
	serveCmd.Flags().Int("port", 0, "HTTP port (overrides config)")
	rootCmd.AddCommand(serveCmd)

	inferCmd := &cobra.Command{
		Use:   "infer [term-id]",
		Short: "Run inference for one term and print the proposals",
		Args:  cobra.ExactArgs(1),
		RunE:  runInfer,
	}
	inferCmd.Flags().StringSlice("rules", nil, "Rules to apply (default: all)")
	inferCmd.Flags().Int("max-depth", 0, "Chain depth bound for this run (default: configured)")
	rootCmd.AddCommand(inferCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "reinfer",
		Short: "Run a full re-inference pass over every term",
		Long: `Runs inference for every term in the graph, in chunks, writing a
checkpoint after each chunk. An interrupted pass resumes from the
checkpoint on the next invocation.`,
		RunE: runReinfer,
	})

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Backend migration between relational and graph storage",
	}
	migrateCmd.AddCommand(&cobra.Command{
		Use:   "graph",
		Short: "Copy all relations into the graph backend and activate it",
		RunE:  runMigrateGraph,
	})
	migrateCmd.AddCommand(&cobra.Command{
		Use:   "relational",
		Short: "Deactivate the graph backend; reads return to SQLite",
		RunE:  runMigrateRelational,
	})
	rootCmd.AddCommand(migrateCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "hash-token [token]",
		Short: "Print the bcrypt hash of an API token for config",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := bcrypt.GenerateFromPassword([]byte(args[0]), bcrypt.DefaultCost)
			if err != nil {
				return err
			}
			fmt.Println(string(hash))
			return nil
		},
	})

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}

func openDB(cmd *cobra.Command) (*termgraph.DB, *config.Config, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	db, err := termgraph.Open(cfg, nil)
	if err != nil {
		return nil, nil, err
	}
	return db, cfg, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	db, cfg, err := openDB(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	if addr, _ := cmd.Flags().GetString("address"); addr != "" {
		cfg.Server.Address = addr
	}
	if port, _ := cmd.Flags().GetInt("port"); port != 0 {
		cfg.Server.Port = port
	}

	srv, err := server.New(db, &server.Config{
		Address:            cfg.Server.Address,
		Port:               cfg.Server.Port,
		APITokenHash:       cfg.Server.APITokenHash,
		ReadTimeout:        cfg.Server.ReadTimeout,
		WriteTimeout:       cfg.Server.WriteTimeout,
		InferRatePerMinute: cfg.Server.InferRatePerMinute,
	}, nil)
	if err != nil {
		return err
	}

	// Graceful shutdown on SIGINT/SIGTERM.
	done := make(chan error, 1)
	go func() { done <- srv.Start() }()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-done:
		return err
	case <-sig:
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Stop(ctx)
	}
}

func runInfer(cmd *cobra.Command, args []string) error {
	db, _, err := openDB(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	var ruleSet []rules.Rule
	names, _ := cmd.Flags().GetStringSlice("rules")
	for _, name := range names {
		rule, err := rules.ParseRule(name)
		if err != nil {
			return err
		}
		ruleSet = append(ruleSet, rule)
	}

	var res *inference.Result
	if cmd.Flags().Changed("max-depth") {
		depth, _ := cmd.Flags().GetInt("max-depth")
		res, err = db.InferDepth(cmd.Context(), relation.TermID(args[0]), ruleSet, depth)
	} else {
		res, err = db.Infer(cmd.Context(), relation.TermID(args[0]), ruleSet)
	}
	if err != nil {
		return err
	}

	if len(res.Proposed) == 0 {
		fmt.Printf("No new proposals for %s (%d already confirmed)\n", args[0], res.SkippedConfirmed)
		return nil
	}
	fmt.Printf("Proposed %d relation(s) for review:\n", len(res.Proposed))
	for _, rel := range res.Proposed {
		fmt.Printf("  %s -[%s]-> %s  confidence=%.3f  via %d edge(s)\n",
			rel.SourceID, rel.Type, rel.TargetID, rel.Confidence, len(rel.DerivationPath))
	}
	return nil
}

func runReinfer(cmd *cobra.Command, args []string) error {
	db, _, err := openDB(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	res, err := db.ReinferAll(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Processed %d term(s): %d proposed, %d skipped, in %s\n",
		res.TermsProcessed, res.Proposed, res.Skipped, res.Elapsed.Round(time.Millisecond))
	return nil
}

func runMigrateGraph(cmd *cobra.Command, args []string) error {
	db, _, err := openDB(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.MigrateToGraph(cmd.Context()); err != nil {
		return err
	}
	fmt.Println("Reads now served by the graph backend")
	return nil
}

func runMigrateRelational(cmd *cobra.Command, args []string) error {
	db, _, err := openDB(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	db.RollbackToRelational()
	fmt.Println("Reads now served by the relational backend")
	return nil
}
