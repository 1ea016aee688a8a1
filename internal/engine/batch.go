package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"strategylab/internal/strategy"
)

// Job is one independent backtest. New is called once per job so every run
// owns its strategy instance.
type Job struct {
	New         strategy.Factory
	Symbol      string
	Start       time.Time
	End         time.Time
	InitialCash float64
}

// JobResult pairs a Job with its outcome. Exactly one of Result and Err is
// set.
type JobResult struct {
	Job    Job
	Result *Result
	Err    error
}

// RunBatch runs jobs on at most workers goroutines and returns their results
// in job order. Jobs not started before ctx is cancelled report ctx.Err().
func (e *Engine) RunBatch(ctx context.Context, jobs []Job, workers int) []JobResult {
	results := make([]JobResult, len(jobs))
	if len(jobs) == 0 {
		return results
	}

	jobCh := make(chan int, len(jobs))
	for i := range jobs {
		results[i].Job = jobs[i]
		jobCh <- i
	}
	close(jobCh)

	var (
		wg       sync.WaitGroup
		failed   atomic.Int64
		runStart = time.Now()
	)

	workers = max(1, min(workers, len(jobs)))
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range jobCh {
				if err := ctx.Err(); err != nil {
					results[idx].Err = err
					continue
				}
				job := jobs[idx]
				if job.New == nil {
					results[idx].Err = fmt.Errorf("engine: job %d has no strategy factory", idx)
					failed.Add(1)
					continue
				}
				res, err := e.Run(ctx, job.New(), job.Symbol, job.Start, job.End, job.InitialCash)
				results[idx].Result, results[idx].Err = res, err
				if err != nil {
					failed.Add(1)
					e.logger.Error("batch job failed", "job", fmt.Sprintf("%d/%d", idx+1, len(jobs)), "symbol", job.Symbol, "err", err)
				}
			}
		}()
	}

	wg.Wait()

	e.logger.Info("batch done",
		"jobs", len(jobs),
		"failed", failed.Load(),
		"elapsed", time.Since(runStart).Round(time.Millisecond),
	)
	return results
}
