package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/inodb/genescore/internal/results"
	"github.com/inodb/genescore/internal/score"
)

func newResultsCmd() *cobra.Command {
	var db string

	cmd := &cobra.Command{
		Use:   "results",
		Short: "Query the results database",
		Long: `Inspect analyses stored with --db by score, xscore and pathway.
Defaults to results.db from the configuration.`,
	}
	cmd.PersistentFlags().StringVar(&db, "db", "", "DuckDB results database")

	open := func() (*results.Store, error) {
		cfg, err := loadConfig()
		if err != nil {
			return nil, err
		}
		path := cfg.Results.DB
		if db != "" {
			path = db
		}
		if path == "" {
			return nil, usageError{fmt.Errorf("--db is required")}
		}
		return results.Open(path)
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List stored analyses",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := open()
			if err != nil {
				return err
			}
			defer st.Close()
			names, err := st.Analyses()
			if err != nil {
				return err
			}
			for _, n := range names {
				fmt.Fprintln(cmd.OutOrStdout(), n)
			}
			return nil
		},
	})

	var top int
	genesCmd := &cobra.Command{
		Use:   "genes <analysis>",
		Short: "Print the gene scores of an analysis",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := open()
			if err != nil {
				return err
			}
			defer st.Close()
			var rs []score.Result
			if top > 0 {
				rs, err = st.TopGenes(args[0], top)
			} else {
				rs, err = st.GeneScores(args[0])
			}
			if err != nil {
				return err
			}
			w := results.NewGeneWriter(cmd.OutOrStdout())
			if err := w.WriteHeader(); err != nil {
				return err
			}
			for _, r := range rs {
				if err := w.Write(r); err != nil {
					return err
				}
			}
			return w.Flush()
		},
	}
	genesCmd.Flags().IntVar(&top, "top", 0, "Only the n most significant genes")
	cmd.AddCommand(genesCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "pathways <analysis>",
		Short: "Print the gene-set scores of an analysis",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := open()
			if err != nil {
				return err
			}
			defer st.Close()
			rs, err := st.PathwayScores(args[0])
			if err != nil {
				return err
			}
			w := results.NewPathwayWriter(cmd.OutOrStdout())
			if err := w.WriteHeader(); err != nil {
				return err
			}
			for _, r := range rs {
				if err := w.Write(r); err != nil {
					return err
				}
			}
			return w.Flush()
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "delete <analysis>",
		Short: "Remove an analysis",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := open()
			if err != nil {
				return err
			}
			defer st.Close()
			return st.DeleteAnalysis(args[0])
		},
	})
	return cmd
}
