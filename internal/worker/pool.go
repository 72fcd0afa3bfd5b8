package worker

import (
	"context"
	"sync"
)

// Job represents a unit of work to be executed
type Job interface {
	Execute(ctx context.Context) Result
}

// Result represents the result of a job execution
type Result interface {
	GetError() error
}

// Pool manages a pool of workers that execute jobs concurrently.
// A pool is single use: after Wait, Run or Shutdown it cannot accept jobs.
type Pool struct {
	workers    int
	jobQueue   chan Job
	results    chan Result
	wg         sync.WaitGroup
	ctx        context.Context
	cancelFunc context.CancelFunc
	startOnce  sync.Once
	queueOnce  sync.Once
	closeOnce  sync.Once
}

// NewPool creates a new worker pool with the specified number of workers
func NewPool(workers int) *Pool {
	if workers <= 0 {
		workers = 1
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Pool{
		workers:    workers,
		jobQueue:   make(chan Job, workers*2),
		results:    make(chan Result, workers*2),
		ctx:        ctx,
		cancelFunc: cancel,
	}
}

// Start starts the worker pool
func (p *Pool) Start() {
	p.startOnce.Do(func() {
		for i := 0; i < p.workers; i++ {
			p.wg.Add(1)
			go p.worker()
		}
	})
}

func (p *Pool) worker() {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			return
		case job, ok := <-p.jobQueue:
			if !ok {
				return
			}
			result := job.Execute(p.ctx)
			select {
			case p.results <- result:
			case <-p.ctx.Done():
				return
			}
		}
	}
}

// Submit submits a job to the pool for execution. It blocks while the queue
// is full, so callers submitting more than the buffers hold must collect
// results concurrently (see Run).
func (p *Pool) Submit(job Job) {
	select {
	case <-p.ctx.Done():
		return
	case p.jobQueue <- job:
	}
}

// Wait waits for all submitted jobs to complete and returns the results
func (p *Pool) Wait() []Result {
	p.closeQueue()
	var results []Result
	for result := range p.collect() {
		results = append(results, result)
	}
	return results
}

// Run executes jobs and returns their results in job order. Jobs are
// submitted from a separate goroutine while results are drained, so any
// number of jobs can be passed. When ctx is cancelled, jobs that never ran
// report ctx.Err().
func (p *Pool) Run(ctx context.Context, jobs []Job) []Result {
	p.Start()
	stop := context.AfterFunc(ctx, p.cancelFunc)
	defer stop()

	go func() {
		defer p.closeQueue()
		for i, job := range jobs {
			if p.ctx.Err() != nil {
				return
			}
			p.Submit(&indexedJob{index: i, job: job})
		}
	}()

	results := make([]Result, len(jobs))
	for result := range p.collect() {
		r := result.(*indexedResult)
		results[r.index] = r.Result
	}

	for i := range results {
		if results[i] == nil {
			err := ctx.Err()
			if err == nil {
				err = context.Canceled
			}
			results[i] = &errResult{err: err}
		}
	}
	return results
}

// Shutdown shuts down the worker pool immediately
func (p *Pool) Shutdown() {
	p.cancelFunc()
	p.wg.Wait()
	p.closeResults()
}

// collect closes the results channel once every worker has exited
func (p *Pool) collect() <-chan Result {
	go func() {
		p.wg.Wait()
		p.closeResults()
	}()
	return p.results
}

func (p *Pool) closeQueue() {
	p.queueOnce.Do(func() {
		close(p.jobQueue)
	})
}

func (p *Pool) closeResults() {
	p.closeOnce.Do(func() {
		close(p.results)
	})
}

type indexedJob struct {
	index int
	job   Job
}

func (j *indexedJob) Execute(ctx context.Context) Result {
	return &indexedResult{index: j.index, Result: j.job.Execute(ctx)}
}

type indexedResult struct {
	Result
	index int
}

type errResult struct {
	err error
}

func (r *errResult) GetError() error {
	return r.err
}
