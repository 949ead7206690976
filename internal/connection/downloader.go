package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/ratelimit"
)

// ErrDownloaderStopped is returned when submitting to a stopped Downloader.
var ErrDownloaderStopped = errors.New("downloader not running")

// DownloaderConfig holds configuration for the background fetch service.
type DownloaderConfig struct {
	// Workers bounds the number of concurrently running fetch loops.
	Workers int
	// RequestsPerSecond paces segment requests. Zero disables pacing.
	RequestsPerSecond int
	// StopTimeout bounds how long Stop waits for running loops.
	StopTimeout time.Duration
	Logger      *slog.Logger
}

// Downloader runs the fetch loops of buffered chunk sources. It is a
// process-scoped service with an explicit Start/Stop lifecycle.
type Downloader struct {
	config  DownloaderConfig
	logger  *slog.Logger
	limiter ratelimit.Limiter

	mu      sync.Mutex
	pool    *ants.Pool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewDownloader creates a stopped Downloader.
func NewDownloader(cfg DownloaderConfig) *Downloader {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 5 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	limiter := ratelimit.NewUnlimited()
	if cfg.RequestsPerSecond > 0 {
		limiter = ratelimit.New(cfg.RequestsPerSecond)
	}

	return &Downloader{
		config:  cfg,
		logger:  logger.With(slog.String("component", "downloader")),
		limiter: limiter,
	}
}

// Start creates the worker pool. Starting a running Downloader is a no-op.
func (d *Downloader) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.running {
		return nil
	}

	pool, err := ants.NewPool(d.config.Workers,
		ants.WithNonblocking(true),
		ants.WithPanicHandler(func(p any) {
			d.logger.Error("fetch loop panicked", slog.Any("panic", p))
		}),
	)
	if err != nil {
		return fmt.Errorf("creating worker pool: %w", err)
	}

	d.pool = pool
	d.ctx, d.cancel = context.WithCancel(context.Background())
	d.running = true
	d.logger.Debug("downloader started", slog.Int("workers", d.config.Workers))
	return nil
}

// Stop cancels all fetch loops and waits for them to return.
func (d *Downloader) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	d.cancel()
	pool := d.pool
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(d.config.StopTimeout):
		d.logger.Warn("fetch loops still running after stop timeout",
			slog.Duration("timeout", d.config.StopTimeout),
		)
	}

	pool.Release()
	d.logger.Debug("downloader stopped")
}

// Running reports whether the Downloader accepts work.
func (d *Downloader) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

// Submit runs task on the worker pool. The task's context is cancelled when
// the Downloader stops. When every worker is busy the task runs on an
// overflow goroutine so that a consumer waiting on one loop can never starve
// another.
func (d *Downloader) Submit(task func(ctx context.Context)) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.running {
		return ErrDownloaderStopped
	}

	ctx := d.ctx
	d.wg.Add(1)
	run := func() {
		defer d.wg.Done()
		task(ctx)
	}

	err := d.pool.Submit(run)
	if errors.Is(err, ants.ErrPoolOverload) {
		d.logger.Debug("worker pool saturated, using overflow goroutine",
			slog.Int("running", d.pool.Running()),
		)
		go run()
		return nil
	}
	if err != nil {
		d.wg.Done()
		return fmt.Errorf("submitting fetch loop: %w", err)
	}
	return nil
}

// Pace blocks until the request rate limit admits another request.
func (d *Downloader) Pace() {
	d.limiter.Take()
}
