package server

import (
	"context"
	"fmt"

	"github.com/JakeFAU/page-acquisition/internal/browser"
	"github.com/JakeFAU/page-acquisition/internal/pipeline"
	"github.com/JakeFAU/page-acquisition/internal/transform"
	"github.com/JakeFAU/page-acquisition/internal/worker"
)

// NewEngine starts the Chrome tab pool and builds the page engine on top of it. The pool
// is closed with the App.
func (a *App) NewEngine(ctx context.Context) (*worker.Engine, error) {
	pool, err := browser.New(browser.Config{
		MaxTabs:        a.cfg.Browser.MaxTabs,
		ExecPath:       a.cfg.Browser.ExecPath,
		UserAgent:      a.cfg.Browser.UserAgent,
		NoSandbox:      a.cfg.Browser.NoSandbox,
		Headful:        a.cfg.Browser.Headful,
		AcquireTimeout: a.cfg.Browser.AcquireTimeout,
	}, a.logger)
	if err != nil {
		return nil, fmt.Errorf("browser init failed: %w", err)
	}
	a.onClose("browser", func(context.Context) error { pool.Close(); return nil })
	if err := pool.Probe(ctx); err != nil {
		return nil, fmt.Errorf("browser probe failed: %w", err)
	}

	stages := pipeline.New(pipeline.Config{
		NavigationTimeout: a.cfg.Pipeline.NavigationTimeout,
		ActionTimeout:     a.cfg.Pipeline.ActionTimeout,
		WaitTimeout:       a.cfg.Pipeline.WaitTimeout,
		AssetPrefix:       a.cfg.Pipeline.AssetPrefix,
		Expiry:            a.cfg.Storage.TierExpiry,
		DefaultExpiry:     a.cfg.Storage.DefaultExpiry,
	}, a.blobs, a.policy, a.clock, a.logger)
	transformer := transform.New(transform.Config{
		MinContentLength: a.cfg.Transform.MinContentLength,
		SiteRules:        a.cfg.Transform.SiteRules,
	}, a.logger)
	return worker.NewEngine(pool, stages, transformer, a.policy, a.logger), nil
}
