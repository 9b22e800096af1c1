package scraper

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/chromedp/chromedp"
)

const userAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"

// Session is an authenticated browser tab. The browser process lives until
// Close is called.
type Session struct {
	ctx         context.Context
	cancelTab   context.CancelFunc
	cancelAlloc context.CancelFunc
	CreatedAt   time.Time
}

// newSession starts a browser with the given allocator options
func newSession(opts []chromedp.ExecAllocatorOption) *Session {
	// The browser must outlive any single caller context, so it hangs off
	// Background and is torn down explicitly by Close.
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(context.Background(), opts...)
	tabCtx, cancelTab := chromedp.NewContext(allocCtx)

	return &Session{
		ctx:         tabCtx,
		cancelTab:   cancelTab,
		cancelAlloc: cancelAlloc,
		CreatedAt:   time.Now(),
	}
}

// Close kills the browser. Safe to call more than once and on nil.
func (s *Session) Close() {
	if s == nil {
		return
	}
	if s.cancelTab != nil {
		s.cancelTab()
	}
	if s.cancelAlloc != nil {
		s.cancelAlloc()
	}
}

// withTimeout derives an operation context from the tab that is also
// cancelled when parent is. Cancelling it does not close the tab.
func (s *Session) withTimeout(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	opCtx, cancel := context.WithTimeout(s.ctx, timeout)
	stop := context.AfterFunc(parent, cancel)
	return opCtx, func() {
		stop()
		cancel()
	}
}

// allocatorOptions builds the headless Chrome flags for the add-on container
func allocatorOptions(headless bool, execPath string) []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", headless),
		chromedp.Flag("no-sandbox", true),            // Required for running as root in the container
		chromedp.Flag("disable-gpu", true),           // Recommended for headless Linux
		chromedp.Flag("disable-dev-shm-usage", true), // Avoid /dev/shm issues on Linux
		chromedp.Flag("disable-extensions", true),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.UserAgent(userAgent),
		chromedp.WindowSize(1366, 900),
	)
	if execPath != "" {
		opts = append(opts, chromedp.ExecPath(execPath))
	}
	return opts
}

// pollPage evaluates script until it returns a non-empty string. Evaluation
// errors during navigation are expected and retried.
func pollPage(ctx context.Context, script string, interval time.Duration) (string, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastErr error
	for {
		var state string
		if err := chromedp.Run(ctx, chromedp.Evaluate(script, &state)); err != nil {
			lastErr = err
		} else if state != "" {
			return state, nil
		}

		select {
		case <-ctx.Done():
			if lastErr != nil {
				return "", fmt.Errorf("%w (last error: %v)", ctx.Err(), lastErr)
			}
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}

// dumpPage writes the current page source to dir for offline debugging
func dumpPage(s *Session, dir, stage string) (string, error) {
	if s == nil || dir == "" {
		return "", nil
	}

	ctx, cancel := context.WithTimeout(s.ctx, 10*time.Second)
	defer cancel()

	var url, html string
	if err := chromedp.Run(ctx,
		chromedp.Location(&url),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	); err != nil {
		return "", fmt.Errorf("reading page source: %w", err)
	}

	path := filepath.Join(dir, fmt.Sprintf("saj_debug_%s_%d.html", stage, time.Now().Unix()))
	content := fmt.Sprintf("<!-- URL: %s -->\n%s", url, html)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return "", fmt.Errorf("writing page source: %w", err)
	}
	return path, nil
}
