package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"conductor/internal/orchestrator"
	"conductor/internal/queue"
)

// Client is the part of the orchestrator client a processor uses.
type Client interface {
	Dequeue(ctx context.Context, groupKey string, limit int, longPolling bool) ([]orchestrator.Task, error)
	Heartbeat(ctx context.Context, taskID string) error
	Succeed(ctx context.Context, taskID string, output json.RawMessage) (orchestrator.Task, error)
	Failed(ctx context.Context, taskID string, err error) (orchestrator.Task, error)
	Search(ctx context.Context, props orchestrator.SearchProps) ([]orchestrator.Task, error)
}

type Handler interface {
	Handle(ctx context.Context, task orchestrator.Task) (json.RawMessage, error)
}

type HandlerFunc func(ctx context.Context, task orchestrator.Task) (json.RawMessage, error)

func (f HandlerFunc) Handle(ctx context.Context, task orchestrator.Task) (json.RawMessage, error) {
	return f(ctx, task)
}

type Options struct {
	GroupKey                string
	MaxConcurrency          int
	HeartbeatInterval       time.Duration
	CheckTerminatedInterval time.Duration
	ReportTimeout           time.Duration
}

func defaultOpts(opts Options) Options {
	o := opts
	if o.MaxConcurrency <= 0 {
		o.MaxConcurrency = 1
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 30 * time.Second
	}
	if o.CheckTerminatedInterval <= 0 {
		o.CheckTerminatedInterval = time.Second
	}
	if o.ReportTimeout <= 0 {
		o.ReportTimeout = 30 * time.Second
	}
	return o
}

// Processor long-polls one group key and runs up to MaxConcurrency tasks at a
// time. Each running task heartbeats in the background and has its context
// cancelled when the server reports it terminated.
type Processor struct {
	client   Client
	handler  Handler
	registry *Registry
	sem      chan struct{}
	opts     Options
	wg       sync.WaitGroup
	logger   zerolog.Logger
	sleep    func(context.Context, time.Duration)
}

func NewProcessor(client Client, handler Handler, registry *Registry, opts Options) *Processor {
	o := defaultOpts(opts)
	return &Processor{
		client:   client,
		handler:  handler,
		registry: registry,
		sem:      make(chan struct{}, o.MaxConcurrency),
		opts:     o,
		logger:   log.With().Str("component", "processor").Str("group_key", o.GroupKey).Logger(),
		sleep:    sleepCtx,
	}
}

// Run blocks until ctx is cancelled and the running tasks have returned.
func (p *Processor) Run(ctx context.Context) error {
	p.logger.Info().Int("max_concurrency", p.opts.MaxConcurrency).Msg("processor started")

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.watchTerminated(ctx)
	}()

	failures := 0
	for {
		if ctx.Err() != nil {
			p.wg.Wait()
			return nil
		}
		// one free slot before asking for work
		select {
		case p.sem <- struct{}{}:
		case <-ctx.Done():
			p.wg.Wait()
			return nil
		}
		limit := 1 + cap(p.sem) - len(p.sem)

		tasks, err := p.client.Dequeue(ctx, p.opts.GroupKey, limit, true)
		if err != nil {
			<-p.sem
			if ctx.Err() != nil {
				continue
			}
			failures++
			p.logger.Error().Err(err).Int("failures", failures).Msg("failed to dequeue tasks")
			p.sleep(ctx, backoffExp(failures))
			continue
		}
		failures = 0
		if len(tasks) == 0 {
			<-p.sem
			continue
		}
		for i, task := range tasks {
			if i > 0 {
				p.sem <- struct{}{}
			}
			p.start(ctx, task)
		}
	}
}

func (p *Processor) start(ctx context.Context, task orchestrator.Task) {
	id := task.Common().ID
	taskCtx, cancel := context.WithCancelCause(ctx)
	syncID := ""
	switch t := task.(type) {
	case orchestrator.SyncTask:
		syncID = t.SyncID
	}
	p.registry.Add(id, syncID, cancel)

	p.wg.Add(1)
	go func() {
		defer func() {
			p.registry.Remove(id)
			cancel(nil)
			<-p.sem
			p.wg.Done()
		}()
		p.process(ctx, taskCtx, task)
	}()
}

func (p *Processor) process(ctx, taskCtx context.Context, task orchestrator.Task) {
	id := task.Common().ID
	logger := p.logger.With().Str("task_id", id).Str("task_name", task.Common().Name).Logger()

	stop := p.heartbeat(taskCtx, id)
	defer stop()

	output, err := p.handle(taskCtx, task)

	if cause := context.Cause(taskCtx); cause != nil {
		// terminated elsewhere, aborted or shutting down: the server state wins
		logger.Warn().AnErr("cause", cause).Msg("task interrupted")
		return
	}

	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.opts.ReportTimeout)
	defer cancel()
	if err != nil {
		logger.Error().Err(err).Msg("task failed")
		if _, ferr := p.client.Failed(rctx, id, err); ferr != nil {
			logger.Error().Err(ferr).Msg("failed to set task as failed")
		}
		return
	}
	if _, serr := p.client.Succeed(rctx, id, output); serr != nil {
		logger.Error().Err(serr).Msg("failed to set task as succeeded")
		return
	}
	logger.Info().Msg("task succeeded")
}

// handle runs the handler, turning a panic into an error.
func (p *Processor) handle(ctx context.Context, task orchestrator.Task) (out json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic while processing task %s: %v", task.Common().ID, r)
		}
	}()
	return p.handler.Handle(ctx, task)
}

func (p *Processor) heartbeat(ctx context.Context, id string) func() {
	hbCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		t := time.NewTicker(p.opts.HeartbeatInterval)
		defer t.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-t.C:
				err := p.client.Heartbeat(hbCtx, id)
				if orchestrator.IsCode(err, queue.CodeTaskTerminated) || orchestrator.IsCode(err, queue.CodeNotFound) {
					p.registry.Cancel(id, ErrTaskTerminated)
					return
				}
				if err != nil && hbCtx.Err() == nil {
					p.logger.Error().Err(err).Str("task_id", id).Msg("failed to send heartbeat")
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// watchTerminated cancels running tasks that were cancelled or expired on the
// server.
func (p *Processor) watchTerminated(ctx context.Context) {
	t := time.NewTicker(p.opts.CheckTerminatedInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		ids := p.registry.IDs()
		if len(ids) == 0 {
			continue
		}
		tasks, err := p.client.Search(ctx, orchestrator.SearchProps{IDs: ids, Limit: len(ids)})
		if err != nil {
			if ctx.Err() == nil {
				p.logger.Error().Err(err).Msg("failed to check for terminated tasks")
			}
			continue
		}
		for _, task := range tasks {
			if task.Common().State.Terminal() && p.registry.Cancel(task.Common().ID, ErrTaskTerminated) {
				p.logger.Info().Str("task_id", task.Common().ID).Str("state", string(task.Common().State)).Msg("task terminated on the server")
			}
		}
	}
}

func backoffExp(failures int) time.Duration {
	if failures <= 0 {
		return time.Second
	}
	d := 1 << (failures - 1) // 1,2,4,8...
	if d > 60 {
		d = 60
	}
	return time.Duration(d) * time.Second
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
