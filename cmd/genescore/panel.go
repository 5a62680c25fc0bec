package main

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/inodb/genescore/internal/genome"
	"github.com/inodb/genescore/internal/ld"
	"github.com/inodb/genescore/internal/refpanel"
)

func newPanelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "panel",
		Short: "Inspect the reference panel",
	}
	cmd.AddCommand(newPanelInfoCmd())
	cmd.AddCommand(newPanelQueryCmd())
	cmd.AddCommand(newPanelLDCmd())
	return cmd
}

func openPanel() (*refpanel.Panel, error) {
	prefix := viper.GetString("panel.prefix")
	if prefix == "" {
		return nil, usageError{fmt.Errorf("--panel is required")}
	}
	return refpanel.Open(prefix)
}

// parseRegion parses chr:start-end.
func parseRegion(s string) (string, int64, int64, error) {
	chrom, span, ok := strings.Cut(s, ":")
	if !ok {
		return "", 0, 0, fmt.Errorf("invalid region %q, want chr:start-end", s)
	}
	from, to, ok := strings.Cut(span, "-")
	if !ok {
		return "", 0, 0, fmt.Errorf("invalid region %q, want chr:start-end", s)
	}
	start, err := strconv.ParseInt(strings.ReplaceAll(from, ",", ""), 10, 64)
	if err != nil {
		return "", 0, 0, fmt.Errorf("invalid region start %q", from)
	}
	end, err := strconv.ParseInt(strings.ReplaceAll(to, ",", ""), 10, 64)
	if err != nil {
		return "", 0, 0, fmt.Errorf("invalid region end %q", to)
	}
	if end < start {
		return "", 0, 0, fmt.Errorf("invalid region %q: end before start", s)
	}
	return refpanel.NormalizeChrom(chrom), start, end, nil
}

func newPanelInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show panel chromosomes, samples and marker counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := openPanel()
			if err != nil {
				return err
			}
			defer p.Close()

			fp, err := p.Fingerprint()
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "samples\t%d\n", p.Samples())
			fmt.Fprintf(w, "fingerprint\t%s\n", fp)
			for _, c := range p.Chromosomes() {
				part, err := p.Partition(c)
				if err != nil {
					return err
				}
				fmt.Fprintf(w, "chr%s\t%d markers\n", c, part.Len())
			}
			return nil
		},
	}
}

func newPanelQueryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "query <marker-id | chr:start-end>",
		Short: "Look up markers by ID or region",
		Example: `  genescore panel query --panel ref/EUR rs429358
  genescore panel query --panel ref/EUR 19:44900000-44910000`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := openPanel()
			if err != nil {
				return err
			}
			defer p.Close()

			var markers []refpanel.Marker
			if strings.Contains(args[0], ":") {
				chrom, start, end, err := parseRegion(args[0])
				if err != nil {
					return usageError{err}
				}
				if markers, err = p.Range(chrom, start, end); err != nil {
					return err
				}
			} else {
				m, err := p.Lookup(args[0])
				if err != nil {
					return err
				}
				markers = []refpanel.Marker{m}
			}
			return writeMarkers(cmd.OutOrStdout(), markers)
		},
	}
}

func writeMarkers(w io.Writer, markers []refpanel.Marker) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintln(bw, "id\tchrom\tpos\tref\talt\tmaf")
	for _, m := range markers {
		fmt.Fprintf(bw, "%s\t%s\t%d\t%s\t%s\t%.4f\n", m.ID, m.Chrom, m.Pos, orDash(m.Ref), orDash(m.Alt), m.MAF)
	}
	return bw.Flush()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func newPanelLDCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ld <chr:start-end>",
		Short: "Print the marker correlation matrix of a region",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			chrom, start, end, err := parseRegion(args[0])
			if err != nil {
				return usageError{err}
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			p, err := openPanel()
			if err != nil {
				return err
			}
			defer p.Close()

			b := ld.NewBuilder(p, ld.Options{MergeDistance: cfg.Scoring.MergeDistance, MAFCutoff: cfg.Scoring.MAFCutoff})
			m, err := b.Build(&genome.Window{GeneID: args[0], Chrom: chrom, Start: start, End: end}, nil)
			if err != nil {
				return err
			}

			bw := bufio.NewWriter(cmd.OutOrStdout())
			fmt.Fprint(bw, "id")
			for _, id := range m.IDs {
				fmt.Fprintf(bw, "\t%s", id)
			}
			fmt.Fprintln(bw)
			for i, id := range m.IDs {
				fmt.Fprint(bw, id)
				for j := range m.IDs {
					fmt.Fprintf(bw, "\t%.4f", m.C.At(i, j))
				}
				fmt.Fprintln(bw)
			}
			return bw.Flush()
		},
	}
}
