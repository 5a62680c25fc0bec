// Package results persists gene and gene-set scores in DuckDB and as
// tab-separated tables.
package results

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"math"
	"os"
	"path/filepath"

	goduckdb "github.com/marcboeker/go-duckdb"

	"github.com/inodb/genescore/internal/pathway"
	"github.com/inodb/genescore/internal/score"
	"github.com/inodb/genescore/internal/wchisq"
)

// Store manages a DuckDB database of scoring runs. Rows are keyed by an
// analysis name so several runs can share one database.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens or creates a DuckDB database at the given path.
// Use an empty string for an in-memory database.
func Open(path string) (*Store, error) {
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("create results directory: %w", err)
		}
	}

	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}

	s := &Store{db: db, path: path}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying *sql.DB for direct access.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) ensureSchema() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS gene_scores (
		analysis VARCHAR,
		gene_id VARCHAR,
		symbol VARCHAR,
		chrom VARCHAR,
		statistic DOUBLE,
		p DOUBLE,
		n_markers BIGINT,
		effective_df BIGINT,
		method VARCHAR,
		status VARCHAR,
		fallback BOOLEAN,
		exhausted BOOLEAN,
		trials BIGINT,
		reason VARCHAR,
		PRIMARY KEY (analysis, gene_id)
	)`); err != nil {
		return err
	}
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS pathway_scores (
		analysis VARCHAR,
		pathway_id VARCHAR,
		statistic DOUBLE,
		p DOUBLE,
		n_genes BIGINT,
		n_permutations BIGINT,
		n_fused BIGINT,
		missing BIGINT,
		status VARCHAR,
		reason VARCHAR,
		PRIMARY KEY (analysis, pathway_id)
	)`)
	return err
}

// nullable maps NaN to SQL NULL.
func nullable(v float64) any {
	if math.IsNaN(v) {
		return nil
	}
	return v
}

func (s *Store) appender(ctx context.Context, table string, fn func(a *goduckdb.Appender) error) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("get connection: %w", err)
	}
	defer conn.Close()

	var appender *goduckdb.Appender
	if err := conn.Raw(func(driverConn any) error {
		var err error
		appender, err = goduckdb.NewAppenderFromConn(driverConn.(driver.Conn), "", table)
		return err
	}); err != nil {
		return fmt.Errorf("create appender: %w", err)
	}
	defer appender.Close()

	if err := fn(appender); err != nil {
		return err
	}
	return appender.Flush()
}

// WriteGeneScores replaces the gene scores of analysis. A gene listed more
// than once keeps its first result.
func (s *Store) WriteGeneScores(analysis string, rs []score.Result) error {
	if _, err := s.db.Exec("DELETE FROM gene_scores WHERE analysis=?", analysis); err != nil {
		return fmt.Errorf("clear gene scores: %w", err)
	}
	if len(rs) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(rs))
	return s.appender(context.Background(), "gene_scores", func(a *goduckdb.Appender) error {
		for _, r := range rs {
			if seen[r.GeneID] {
				continue
			}
			seen[r.GeneID] = true
			if err := a.AppendRow(
				analysis, r.GeneID, r.Symbol, r.Chrom,
				nullable(r.Statistic), nullable(r.P),
				int64(r.NMarkers), int64(r.EffectiveDF),
				r.Method.String(), r.Status.String(),
				r.FallbackUsed, r.Exhausted, int64(r.Trials), r.Reason,
			); err != nil {
				return fmt.Errorf("append gene score: %w", err)
			}
		}
		return nil
	})
}

// WritePathwayScores replaces the gene-set scores of analysis.
func (s *Store) WritePathwayScores(analysis string, rs []pathway.Result) error {
	if _, err := s.db.Exec("DELETE FROM pathway_scores WHERE analysis=?", analysis); err != nil {
		return fmt.Errorf("clear pathway scores: %w", err)
	}
	if len(rs) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(rs))
	return s.appender(context.Background(), "pathway_scores", func(a *goduckdb.Appender) error {
		for _, r := range rs {
			if seen[r.PathwayID] {
				continue
			}
			seen[r.PathwayID] = true
			if err := a.AppendRow(
				analysis, r.PathwayID, nullable(r.Statistic), nullable(r.P),
				int64(r.NGenes), int64(r.NPermutations), int64(r.NFused), int64(r.Missing),
				r.Status.String(), r.Reason,
			); err != nil {
				return fmt.Errorf("append pathway score: %w", err)
			}
		}
		return nil
	})
}

// Analyses lists the stored analysis names.
func (s *Store) Analyses() ([]string, error) {
	rows, err := s.db.Query(`SELECT DISTINCT analysis FROM gene_scores
		UNION SELECT DISTINCT analysis FROM pathway_scores ORDER BY 1`)
	if err != nil {
		return nil, fmt.Errorf("query analyses: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var a string
		if err := rows.Scan(&a); err != nil {
			return nil, fmt.Errorf("scan analysis: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// DeleteAnalysis removes every row of analysis.
func (s *Store) DeleteAnalysis(analysis string) error {
	if _, err := s.db.Exec("DELETE FROM gene_scores WHERE analysis=?", analysis); err != nil {
		return err
	}
	_, err := s.db.Exec("DELETE FROM pathway_scores WHERE analysis=?", analysis)
	return err
}

const geneColumns = `gene_id, symbol, chrom, statistic, p, n_markers, effective_df,
		method, status, fallback, exhausted, trials, reason`

// GeneScores returns the gene scores of analysis ordered by chromosome
// and gene ID.
func (s *Store) GeneScores(analysis string) ([]score.Result, error) {
	rows, err := s.db.Query(`SELECT `+geneColumns+`
		FROM gene_scores WHERE analysis=? ORDER BY chrom, gene_id`, analysis)
	if err != nil {
		return nil, fmt.Errorf("query gene scores: %w", err)
	}
	defer rows.Close()
	return scanGeneScores(rows)
}

// TopGenes returns the n scored genes of analysis with the smallest
// p-values.
func (s *Store) TopGenes(analysis string, n int) ([]score.Result, error) {
	rows, err := s.db.Query(`SELECT `+geneColumns+`
		FROM gene_scores WHERE analysis=? AND p IS NOT NULL
		ORDER BY p, gene_id LIMIT ?`, analysis, n)
	if err != nil {
		return nil, fmt.Errorf("query top genes: %w", err)
	}
	defer rows.Close()
	return scanGeneScores(rows)
}

// PathwayScores returns the gene-set scores of analysis ordered by p-value,
// omitted sets last.
func (s *Store) PathwayScores(analysis string) ([]pathway.Result, error) {
	rows, err := s.db.Query(`SELECT pathway_id, statistic, p, n_genes, n_permutations,
		n_fused, missing, status, reason
		FROM pathway_scores WHERE analysis=? ORDER BY p NULLS LAST, pathway_id`, analysis)
	if err != nil {
		return nil, fmt.Errorf("query pathway scores: %w", err)
	}
	defer rows.Close()

	var out []pathway.Result
	for rows.Next() {
		var (
			r                     pathway.Result
			stat, p               sql.NullFloat64
			ngenes, nperm, nfused int64
			missing               int64
			status                string
		)
		if err := rows.Scan(&r.PathwayID, &stat, &p, &ngenes, &nperm, &nfused, &missing, &status, &r.Reason); err != nil {
			return nil, fmt.Errorf("scan pathway score: %w", err)
		}
		r.Statistic = orNaN(stat)
		r.P = orNaN(p)
		r.NGenes, r.NPermutations, r.NFused, r.Missing = int(ngenes), int(nperm), int(nfused), int(missing)
		r.Status = score.ParseStatus(status)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pathway scores: %w", err)
	}
	return out, nil
}

func orNaN(v sql.NullFloat64) float64 {
	if !v.Valid {
		return math.NaN()
	}
	return v.Float64
}

// scanGeneScores scans rows into gene results.
func scanGeneScores(rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}) ([]score.Result, error) {
	var out []score.Result
	for rows.Next() {
		var (
			r              score.Result
			stat, p        sql.NullFloat64
			nm, df, trials int64
			method, status string
		)
		if err := rows.Scan(
			&r.GeneID, &r.Symbol, &r.Chrom, &stat, &p, &nm, &df,
			&method, &status, &r.FallbackUsed, &r.Exhausted, &trials, &r.Reason,
		); err != nil {
			return nil, fmt.Errorf("scan gene score: %w", err)
		}
		r.Statistic = orNaN(stat)
		r.P = orNaN(p)
		r.NMarkers, r.EffectiveDF, r.Trials = int(nm), int(df), int(trials)
		r.Method = wchisq.ParseMethod(method)
		r.Status = score.ParseStatus(status)
		if r.Status == score.StatusOmitted {
			r.State = score.StateFailed
		} else {
			r.State = score.StateScored
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate gene scores: %w", err)
	}
	return out, nil
}
