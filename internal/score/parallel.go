package score

import (
	"context"
	"errors"
	"runtime"
	"sync"

	"go.uber.org/zap"
)

// WorkItem is a gene queued for scoring.
type WorkItem struct {
	Seq    int
	GeneID string
}

// WorkResult holds the scoring output for a single gene.
type WorkResult struct {
	Seq    int
	Result Result
	Err    error
}

type scoreFunc func(ctx context.Context, gene string) (Result, error)

// parallelScore scores genes using a pool of workers. Results are sent to the
// returned channel in arrival order (not sequence order); use OrderedCollect
// to consume them in input order. Once ctx is done no further genes are
// dispatched and each remaining gene is reported as cancelled, so every input
// produces exactly one result. If workers is 0, runtime.NumCPU() is used.
func parallelScore(ctx context.Context, genes []string, workers int, fn scoreFunc, logger *zap.Logger) <-chan WorkResult {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	items := make(chan WorkItem, workers)
	results := make(chan WorkResult, 2*workers)

	var wg sync.WaitGroup
	wg.Add(workers + 1)

	go func() {
		defer wg.Done()
		defer close(items)
		for i, id := range genes {
			select {
			case <-ctx.Done():
			default:
				select {
				case items <- WorkItem{Seq: i, GeneID: id}:
					continue
				case <-ctx.Done():
				}
			}
			err := ctx.Err()
			results <- WorkResult{Seq: i, Result: omit(baseResult(id, nil), StateWindowResolved, err), Err: err}
		}
	}()

	for range workers {
		go func() {
			defer wg.Done()
			for item := range items {
				r, err := fn(ctx, item.GeneID)
				if err != nil {
					logOmitted(logger, item.GeneID, err)
				}
				results <- WorkResult{Seq: item.Seq, Result: r, Err: err}
			}
		}()
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	return results
}

func logOmitted(logger *zap.Logger, gene string, err error) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		logger.Debug("gene cancelled", zap.String("gene", gene))
		return
	}
	logger.Warn("gene omitted", zap.String("gene", gene), zap.Error(err))
}

// OrderedCollect calls fn for each result in sequence-number order.
// It buffers out-of-order results in a pending map and emits them
// as soon as the next expected sequence number is available.
// Blocks until the results channel is closed.
func OrderedCollect(results <-chan WorkResult, fn func(WorkResult) error) error {
	pending := make(map[int]WorkResult)
	nextSeq := 0

	for r := range results {
		pending[r.Seq] = r

		for {
			rr, ok := pending[nextSeq]
			if !ok {
				break
			}
			delete(pending, nextSeq)
			nextSeq++
			if err := fn(rr); err != nil {
				// Drain remaining results to unblock workers.
				for range results {
				}
				return err
			}
		}
	}

	return nil
}

// streamOrdered scores genes concurrently and calls fn with each result in
// input order. An error from fn stops the dispatch of the remaining genes and
// is returned once the workers have drained.
func streamOrdered(ctx context.Context, genes []string, workers int, score scoreFunc, logger *zap.Logger, fn func(Result) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	return OrderedCollect(parallelScore(ctx, genes, workers, score, logger), func(r WorkResult) error {
		if err := fn(r.Result); err != nil {
			cancel()
			return err
		}
		return nil
	})
}

// collectAll runs parallelScore and gathers the results in input order.
func collectAll(ctx context.Context, genes []string, workers int, fn scoreFunc, logger *zap.Logger) []Result {
	out := make([]Result, 0, len(genes))
	var scored, fallback, omitted int
	OrderedCollect(parallelScore(ctx, genes, workers, fn, logger), func(r WorkResult) error {
		switch r.Result.Status {
		case StatusSuccess:
			scored++
		case StatusFallback:
			fallback++
		default:
			omitted++
		}
		out = append(out, r.Result)
		return nil
	})
	logger.Info("scoring finished",
		zap.Int("genes", len(genes)),
		zap.Int("success", scored),
		zap.Int("fallback", fallback),
		zap.Int("omitted", omitted))
	return out
}
