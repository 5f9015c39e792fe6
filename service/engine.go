package service

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Config describes where the model lives and how to open it.
type Config struct {
	ModelDir  string
	ModelName string
	// Ext is the model file extension; Loader must understand the format.
	Ext string
	// Threads overrides ThreadCount when > 0.
	Threads int
	Catalog *Catalog
	Loader  Loader
}

func (c Config) ModelPath() string {
	return filepath.Join(c.ModelDir, c.ModelName+"."+c.Ext)
}

// ThreadCount uses two inference threads when at least two cores are available.
func ThreadCount(cores int) int {
	if cores >= 2 {
		return 2
	}
	return 1
}

// Engine owns one inference session. All model work runs on the engine's
// serial queue, so the session is never invoked concurrently. Results leave
// that queue through a second one, so callbacks never run on the inference
// goroutine and a slow callback never stalls the model.
type Engine struct {
	path     string
	threads  int
	catalog  *Catalog
	session  Session
	queue    *Queue
	delivery *Queue
	closed   atomic.Bool
}

// deliver hands fn to exec from the delivery queue, keeping completion order.
func deliver(d *Queue, exec Executor, fn func()) {
	if err := d.Submit(func() { exec.Execute(fn) }); err != nil {
		go exec.Execute(fn)
	}
}

// New loads the model on a fresh engine queue and waits for it.
func New(cfg Config) (*Engine, error) {
	f := NewFuture[*Engine]()
	Create(cfg, Inline, f.Complete)
	return f.Await(context.Background())
}

// Create loads the model asynchronously and delivers the engine on exec.
func Create(cfg Config, exec Executor, fn func(Result[*Engine])) {
	label := "stylized." + cfg.ModelName
	q, d := NewQueue(label), NewQueue(label+".delivery")
	err := q.Submit(func() {
		e, err := load(cfg, q, d)
		deliver(d, exec, func() { fn(Result[*Engine]{Value: e, Err: err}) })
		if err != nil {
			q.Stop()
			d.Stop()
			log.Error().Err(err).Str("model", cfg.ModelPath()).Msg("Failed to load style transfer model")
		}
	})
	if err != nil {
		exec.Execute(func() { fn(Result[*Engine]{Err: err}) })
	}
}

func load(cfg Config, q, d *Queue) (e *Engine, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = internal("load", errors.Errorf("panic: %v", r))
		}
	}()

	if cfg.Loader == nil {
		return nil, internal("load", errors.New("no session loader configured"))
	}
	catalog := cfg.Catalog
	if catalog == nil {
		catalog = DefaultCatalog
	}

	path := cfg.ModelPath()
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrapf(ErrInvalidModel, "model %s not found", path)
		}
		return nil, internal("load", err)
	}

	threads := cfg.Threads
	if threads <= 0 {
		threads = ThreadCount(runtime.NumCPU())
	}

	session, err := cfg.Loader(path, SessionOptions{
		Threads:   threads,
		Styles:    catalog.Len(),
		ImageSize: ImageSize,
	})
	if err != nil {
		return nil, internal("load", err)
	}

	log.Info().
		Str("model", path).
		Int("threads", threads).
		Int("styles", catalog.Len()).
		Msg("Style transfer model loaded")

	return &Engine{
		path:     path,
		threads:  threads,
		catalog:  catalog,
		session:  session,
		queue:    q,
		delivery: d,
	}, nil
}

func (e *Engine) Catalog() *Catalog { return e.catalog }

func (e *Engine) Threads() int { return e.threads }

// Path is the model file the engine was loaded from.
func (e *Engine) Path() string { return e.path }

// Submit runs req on the engine queue and delivers the outcome on exec.
// Outcomes are delivered in submission order.
func (e *Engine) Submit(req Request, exec Executor, fn func(Outcome)) {
	if e.closed.Load() {
		exec.Execute(func() { fn(Outcome{Err: ErrClosed}) })
		return
	}
	err := e.queue.Submit(func() {
		out := e.run(req)
		deliver(e.delivery, exec, func() { fn(out) })
	})
	if err != nil {
		exec.Execute(func() { fn(Outcome{Err: err}) })
	}
}

// Future submits req and returns its pending outcome.
func (e *Engine) Future(req Request) *Future[Outcome] {
	f := NewFuture[Outcome]()
	e.Submit(req, Inline, func(o Outcome) { f.Complete(Result[Outcome]{Value: o}) })
	return f
}

// Transfer runs req and waits for the stylized image. ctx bounds the wait only;
// a submitted request always runs to completion.
func (e *Engine) Transfer(ctx context.Context, req Request) (*RGBX, error) {
	o, err := e.Future(req).Await(ctx)
	if err != nil {
		return nil, err
	}
	if o.Err != nil {
		return nil, o.Err
	}
	return o.Value.(*RGBX), nil
}

func (e *Engine) run(req Request) (out Outcome) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			out = Outcome{Err: internal("transfer", errors.Errorf("panic: %v", r))}
		}
		ev := log.Debug()
		if out.Err != nil {
			ev = log.Error().Err(out.Err)
		}
		ev.Str("style", req.Primary).
			Str("style2", req.Secondary).
			Dur("took", time.Since(start)).
			Msg("Style transfer finished")
	}()

	img, err := e.transfer(req)
	if err != nil {
		return Outcome{Err: err}
	}
	return Outcome{Value: img}
}

func (e *Engine) transfer(req Request) (*RGBX, error) {
	primary, secondary, err := e.catalog.Selectors(req)
	if err != nil {
		return nil, err
	}
	weight, _, err := Weights(req)
	if err != nil {
		return nil, err
	}
	pixels, err := Preprocess(req.Image)
	if err != nil {
		return nil, err
	}

	data, err := e.session.Run(Inputs{
		Image:     pixels,
		Weight:    weight,
		Secondary: secondary,
		Primary:   primary,
	})
	if err != nil {
		return nil, internal("invoke", err)
	}
	if data == nil {
		return nil, internal("invoke", errSessionOutputMissing)
	}
	return Decode(data, ImageSize, ImageSize)
}

// Close waits for queued requests, then destroys the session. Outcomes still
// pending delivery are handed to their executors after Close returns, so Close
// may be called from a result callback.
func (e *Engine) Close() error {
	if e.closed.Swap(true) {
		return nil
	}
	e.queue.Close()
	e.delivery.Stop()
	if err := e.session.Destroy(); err != nil {
		return internal("destroy", err)
	}
	return nil
}
