// Package browser leases isolated headless Chrome tabs from a bounded pool.
package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/page-acquisition/internal/errcode"
	"github.com/JakeFAU/page-acquisition/internal/metrics"
	"github.com/JakeFAU/page-acquisition/internal/pipeline"
)

// ErrClosed is returned by Acquire after Close.
var ErrClosed = errors.New("browser pool closed")

// Config controls the Chrome process and the lease bound.
type Config struct {
	MaxTabs   int
	ExecPath  string
	UserAgent string
	NoSandbox bool
	Headful   bool
	// AcquireTimeout bounds how long Acquire waits for a free slot; zero waits until ctx ends.
	AcquireTimeout time.Duration
}

// TabFactory opens a fresh tab. The returned close func must release everything the tab holds.
type TabFactory func(ctx context.Context) (pipeline.Page, func(), error)

// Pool hands out at most Capacity tabs at a time.
type Pool struct {
	cfg     Config
	slots   chan struct{}
	factory TabFactory
	inUse   atomic.Int64
	closed  atomic.Bool
	logger  *zap.Logger

	allocCancel   context.CancelFunc
	browserCancel context.CancelFunc
}

// New starts one Chrome exec allocator shared by every tab of the pool.
func New(cfg Config, logger *zap.Logger) (*Pool, error) {
	if cfg.MaxTabs < 0 {
		return nil, fmt.Errorf("max tabs must be >= 0")
	}
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", !cfg.Headful),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	if cfg.NoSandbox {
		opts = append(opts, chromedp.NoSandbox)
	}
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	// tabs only share a browser when the parent context already has one running
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, errcode.Infrastructure(fmt.Errorf("start chrome: %w", err))
	}

	p := newPool(cfg, nil, logger)
	p.allocCancel = allocCancel
	p.browserCancel = browserCancel
	p.factory = func(ctx context.Context) (pipeline.Page, func(), error) {
		// each tab is a new target in the shared browser, with its own cookies and storage
		tabCtx, tabCancel := chromedp.NewContext(browserCtx)
		stop := context.AfterFunc(ctx, tabCancel)
		tab, err := newTab(tabCtx)
		if err != nil {
			stop()
			tabCancel()
			return nil, nil, err
		}
		return tab, func() {
			stop()
			tabCancel()
		}, nil
	}
	return p, nil
}

// NewWithFactory builds a pool over a custom tab factory.
func NewWithFactory(cfg Config, factory TabFactory, logger *zap.Logger) *Pool {
	return newPool(cfg, factory, logger)
}

func newPool(cfg Config, factory TabFactory, logger *zap.Logger) *Pool {
	if cfg.MaxTabs <= 0 {
		cfg.MaxTabs = 4
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		cfg:     cfg,
		slots:   make(chan struct{}, cfg.MaxTabs),
		factory: factory,
		logger:  logger.Named("browser"),
	}
}

// Lease owns one tab until Release.
type Lease struct {
	Page pipeline.Page

	pool     *Pool
	closeTab func()
	once     sync.Once
}

// Release closes the tab and frees the slot. Safe to call more than once.
func (l *Lease) Release() {
	l.once.Do(func() {
		if l.closeTab != nil {
			l.closeTab()
		}
		l.pool.release()
	})
}

// Acquire blocks until a slot frees up or ctx ends, then opens a fresh tab.
func (p *Pool) Acquire(ctx context.Context) (*Lease, error) {
	if p.closed.Load() {
		return nil, ErrClosed
	}
	waitCtx := ctx
	if p.cfg.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, p.cfg.AcquireTimeout)
		defer cancel()
	}
	start := time.Now()
	select {
	case p.slots <- struct{}{}:
	case <-waitCtx.Done():
		return nil, fmt.Errorf("browser slot wait canceled: %w", waitCtx.Err())
	}
	p.inUse.Add(1)
	metrics.ObserveTabLease(time.Since(start))

	page, closeTab, err := p.factory(ctx)
	if err != nil {
		p.release()
		return nil, errcode.Wrap(errcode.BrowserError, fmt.Errorf("open tab: %w", err))
	}
	return &Lease{Page: page, pool: p, closeTab: closeTab}, nil
}

func (p *Pool) release() {
	select {
	case <-p.slots:
		p.inUse.Add(-1)
		metrics.ObserveTabRelease()
	default:
	}
}

// With runs fn on a leased tab and releases it on every exit path, panics included.
func (p *Pool) With(ctx context.Context, fn func(ctx context.Context, page pipeline.Page) error) error {
	lease, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer lease.Release()
	return fn(ctx, lease.Page)
}

// InUse reports the number of outstanding leases.
func (p *Pool) InUse() int {
	return int(p.inUse.Load())
}

// Capacity reports the lease bound.
func (p *Pool) Capacity() int {
	return cap(p.slots)
}

// Probe opens and closes one blank tab so a missing Chrome binary fails at startup.
func (p *Pool) Probe(ctx context.Context) error {
	return p.With(ctx, func(ctx context.Context, page pipeline.Page) error {
		if _, err := page.Navigate(ctx, "about:blank"); err != nil {
			return fmt.Errorf("probe navigation: %w", err)
		}
		return nil
	})
}

// Close stops Chrome. Outstanding leases fail on their next browser call.
func (p *Pool) Close() {
	if !p.closed.CompareAndSwap(false, true) {
		return
	}
	if p.browserCancel != nil {
		p.browserCancel()
	}
	if p.allocCancel != nil {
		p.allocCancel()
	}
	p.logger.Info("browser pool closed", zap.Int("in_use", p.InUse()))
}
