package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/JakeFAU/page-acquisition/internal/acquire"
	"github.com/JakeFAU/page-acquisition/internal/errcode"
)

const (
	stageConfigure = "configure"
	stageNavigate  = "navigate"
	stageAct       = "act"
	stageWait      = "wait"
	stageSnapshot  = "snapshot"
	stageHide      = "hide"
	stageCapture   = "capture"
)

type configureStage struct{}

func (configureStage) Name() string { return stageConfigure }

func (configureStage) Run(ctx context.Context, st *State) error {
	opts := st.Request.Options
	if err := st.Page.SetViewport(ctx, ResolveViewport(opts)); err != nil {
		return fmt.Errorf("set viewport: %w", err)
	}
	if headers := opts.HTTPHeaders(); len(headers) > 0 {
		if err := st.Page.SetExtraHeaders(ctx, headers); err != nil {
			return fmt.Errorf("set headers: %w", err)
		}
	}
	if opts.DarkMode {
		if err := st.Page.EmulateDarkMode(ctx); err != nil {
			return fmt.Errorf("emulate dark mode: %w", err)
		}
	}
	return nil
}

type navigateStage struct {
	p *Pipeline
}

func (navigateStage) Name() string { return stageNavigate }

func (s navigateStage) Run(ctx context.Context, st *State) error {
	timeout := st.Request.Options.Timeout()
	if timeout <= 0 {
		timeout = s.p.cfg.NavigationTimeout
	}
	navCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := st.Page.Navigate(navCtx, st.Request.URL)
	if err != nil {
		if navCtx.Err() != nil && ctx.Err() == nil {
			return errcode.Wrap(errcode.PageTimeout, fmt.Errorf("navigation exceeded %s: %w", timeout, err))
		}
		return fmt.Errorf("navigate %s: %w", st.Request.URL, err)
	}
	st.Snapshot.StatusCode = resp.StatusCode
	st.Snapshot.Headers = resp.Headers
	st.Snapshot.FinalURL = resp.URL
	if st.Snapshot.FinalURL == "" {
		st.Snapshot.FinalURL = st.Request.URL
	}
	if code := errcode.FromStatus(resp.StatusCode); code != "" {
		return errcode.New(code, fmt.Sprintf("document returned HTTP %d", resp.StatusCode))
	}
	if s.p.policy != nil && st.Snapshot.FinalURL != st.Request.URL {
		if err := s.p.policy.Check(ctx, st.Snapshot.FinalURL); err != nil {
			return errcode.Wrap(errcode.AccessDenied, fmt.Errorf("redirect target rejected: %w", err))
		}
	}
	return nil
}

type actStage struct {
	p *Pipeline
}

func (actStage) Name() string { return stageAct }

func (s actStage) Run(ctx context.Context, st *State) error {
	for i, action := range st.Request.Options.Actions {
		if err := s.runAction(ctx, st.Page, action); err != nil {
			return fmt.Errorf("action %d (%s): %w", i, action.Type, err)
		}
	}
	return nil
}

func (s actStage) runAction(ctx context.Context, page Page, action acquire.Action) error {
	timeout := s.p.cfg.ActionTimeout
	switch action.Type {
	case acquire.ActionClick:
		return withSelectorTimeout(ctx, timeout, action.Selector, func(c context.Context) error {
			return page.Click(c, action.Selector)
		})
	case acquire.ActionInput:
		return withSelectorTimeout(ctx, timeout, action.Selector, func(c context.Context) error {
			return page.Type(c, action.Selector, action.Text)
		})
	case acquire.ActionPress:
		return page.Press(ctx, action.Key)
	case acquire.ActionScroll:
		return page.Evaluate(ctx, scrollScript(action))
	case acquire.ActionWait:
		if action.Selector != "" {
			return withSelectorTimeout(ctx, timeout, action.Selector, func(c context.Context) error {
				return page.WaitVisible(c, action.Selector)
			})
		}
		return sleep(ctx, time.Duration(action.Milliseconds)*time.Millisecond)
	default:
		return fmt.Errorf("unsupported action %q", action.Type)
	}
}

func scrollScript(action acquire.Action) string {
	if action.Selector != "" {
		sel, _ := json.Marshal(action.Selector)
		return fmt.Sprintf(`(() => { const el = document.querySelector(%s); if (el) el.scrollIntoView({block: "center"}); })()`, sel)
	}
	amount := action.Amount
	if action.Direction == "up" {
		if amount > 0 {
			amount = -amount
		} else {
			return `window.scrollBy(0, -window.innerHeight)`
		}
	}
	if amount == 0 {
		return `window.scrollBy(0, window.innerHeight)`
	}
	return fmt.Sprintf(`window.scrollBy(0, %d)`, amount)
}

type waitStage struct {
	p *Pipeline
}

func (waitStage) Name() string { return stageWait }

func (s waitStage) Run(ctx context.Context, st *State) error {
	w := st.Request.Options.Wait
	if w == nil {
		return nil
	}
	timeout := s.p.cfg.WaitTimeout
	if w.TimeoutMs > 0 {
		timeout = time.Duration(w.TimeoutMs) * time.Millisecond
	}
	switch w.Type {
	case acquire.WaitDelay:
		return sleep(ctx, time.Duration(w.Milliseconds)*time.Millisecond)
	case acquire.WaitSelector:
		return withSelectorTimeout(ctx, timeout, w.Selector, func(c context.Context) error {
			return st.Page.WaitVisible(c, w.Selector)
		})
	case acquire.WaitNetworkIdle:
		idleCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if err := st.Page.WaitNetworkIdle(idleCtx); err != nil {
			if idleCtx.Err() != nil && ctx.Err() == nil {
				return errcode.Wrap(errcode.PageTimeout, fmt.Errorf("network did not go idle within %s", timeout))
			}
			return fmt.Errorf("wait network idle: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("unsupported wait strategy %q", w.Type)
	}
}

// snapshotStage reads the rendered DOM before any capture-only mutation.
type snapshotStage struct {
	p *Pipeline
}

func (snapshotStage) Name() string { return stageSnapshot }

func (s snapshotStage) Run(ctx context.Context, st *State) error {
	if loc, err := st.Page.Location(ctx); err == nil && loc != "" && loc != st.Snapshot.FinalURL {
		// scripted actions may have navigated away from the checked document
		if s.p.policy != nil {
			if err := s.p.policy.Check(ctx, loc); err != nil {
				return errcode.Wrap(errcode.AccessDenied, fmt.Errorf("page navigated to rejected url: %w", err))
			}
		}
		st.Snapshot.FinalURL = loc
	}
	html, err := st.Page.HTML(ctx)
	if err != nil {
		return fmt.Errorf("read html: %w", err)
	}
	st.Snapshot.HTML = html
	links, err := st.Page.Links(ctx)
	if err != nil {
		return fmt.Errorf("read links: %w", err)
	}
	st.Snapshot.Links = links
	return nil
}

type hideStage struct{}

func (hideStage) Name() string { return stageHide }

func (hideStage) Run(ctx context.Context, st *State) error {
	opts := st.Request.Options
	if len(opts.ExcludeTags) == 0 || (!opts.WantsScreenshot() && !opts.Wants(acquire.FormatPDF)) {
		return nil
	}
	if err := st.Page.Evaluate(ctx, hideScript(opts.ExcludeTags)); err != nil {
		return fmt.Errorf("hide excluded elements: %w", err)
	}
	return nil
}

func hideScript(selectors []string) string {
	encoded, _ := json.Marshal(selectors)
	return fmt.Sprintf(`(() => {
  for (const sel of %s) {
    try {
      document.querySelectorAll(sel).forEach((el) => el.style.setProperty("display", "none", "important"));
    } catch (e) {}
  }
})()`, encoded)
}
