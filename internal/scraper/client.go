package scraper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"
	"go.uber.org/zap"

	"github.com/jgoulah/sajscraper/internal/config"
	"github.com/jgoulah/sajscraper/pkg/models"
)

const (
	usernameSelector = `input[placeholder="Username/Email"]`
	passwordSelector = `input[type="password"]`
	tableSelector    = `.el-table__body-wrapper`
	rowSelector      = `.el-table__body-wrapper tbody tr`

	acceptLanguage = "en-US,en;q=0.9"

	pollInterval = 2 * time.Second
)

// Result is the outcome of one fetch over every configured device
type Result struct {
	Records []models.RawRecord
	Missing []*FetchError // Kind is PartialData, Serial set
}

// Portal is the capability the rest of the pipeline needs from the vendor
// site
type Portal interface {
	Login(ctx context.Context) (*Session, error)
	FetchAll(ctx context.Context, s *Session) (Result, error)
	Logout(s *Session)
}

// Client drives the SAJ portal with a headless Chrome
type Client struct {
	urls          config.PortalURLs
	username      string
	password      string
	devices       []models.Device
	headless      bool
	chromePath    string
	dumpDir       string
	loginTimeout  time.Duration
	fetchTimeout  time.Duration
	deviceTimeout time.Duration
	log           *zap.Logger
}

// NewClient creates a portal client for the configured devices
func NewClient(cfg *config.Config, log *zap.Logger) *Client {
	fetchTimeout := cfg.FetchTimeout()
	deviceTimeout := 60 * time.Second
	if deviceTimeout > fetchTimeout {
		deviceTimeout = fetchTimeout
	}

	return &Client{
		urls:          cfg.PortalURLs(),
		username:      cfg.Username,
		password:      cfg.Password,
		devices:       cfg.Devices,
		headless:      cfg.IsHeadless(),
		chromePath:    cfg.ChromePath,
		dumpDir:       cfg.DebugDumpDir,
		loginTimeout:  60 * time.Second,
		fetchTimeout:  fetchTimeout,
		deviceTimeout: deviceTimeout,
		log:           log.Named("portal"),
	}
}

// SetVisible sets whether to show the browser window
func (c *Client) SetVisible(visible bool) {
	c.headless = !visible
}

// Login starts a browser and signs in. On failure the browser is closed.
func (c *Client) Login(ctx context.Context) (*Session, error) {
	c.log.Info("logging in to SAJ portal", zap.String("url", c.urls.Login))

	s := newSession(allocatorOptions(c.headless, c.chromePath))
	opCtx, done := s.withTimeout(ctx, c.loginTimeout)
	defer done()

	fail := func(kind AuthErrorKind, err error) (*Session, error) {
		if ctx.Err() != nil {
			s.Close()
			return nil, ctx.Err()
		}
		if kind != PortalUnreachable {
			c.dump(s, "login_failed")
		}
		s.Close()
		return nil, &AuthError{Kind: kind, Err: err}
	}

	// The selectors match the English UI
	if err := chromedp.Run(opCtx,
		network.Enable(),
		network.SetExtraHTTPHeaders(network.Headers{"Accept-Language": acceptLanguage}),
		chromedp.Navigate(c.urls.Login),
	); err != nil {
		return fail(PortalUnreachable, fmt.Errorf("navigating to login page: %w", err))
	}

	if err := chromedp.Run(opCtx,
		chromedp.WaitVisible(usernameSelector, chromedp.ByQuery),
		chromedp.SetValue(usernameSelector, "", chromedp.ByQuery),
		chromedp.SendKeys(usernameSelector, c.username, chromedp.ByQuery),
		chromedp.SetValue(passwordSelector, "", chromedp.ByQuery),
		chromedp.SendKeys(passwordSelector, c.password+kb.Enter, chromedp.ByQuery),
	); err != nil {
		return fail(UnexpectedLayout, fmt.Errorf("filling login form: %w", err))
	}

	outcome, err := pollPage(opCtx, loginStateScript(c.urls), pollInterval/4)
	if err != nil {
		return fail(UnexpectedLayout, fmt.Errorf("waiting for dashboard: %w", err))
	}
	if outcome == "rejected" {
		return fail(InvalidCredentials, errors.New("portal rejected the username or password"))
	}

	c.log.Info("login successful")
	return s, nil
}

// Logout closes the browser, discarding the portal session
func (c *Client) Logout(s *Session) {
	s.Close()
}

// FetchAll reads the latest table row of every configured device. Devices
// that cannot be read are reported in Result.Missing; a redirect to the login
// form aborts the whole batch with SessionExpired.
func (c *Client) FetchAll(ctx context.Context, s *Session) (Result, error) {
	if s == nil {
		return Result{}, &FetchError{Kind: SessionExpired, Err: errors.New("no session")}
	}

	opCtx, done := s.withTimeout(ctx, c.fetchTimeout)
	defer done()

	var res Result
	for _, d := range c.devices {
		log := c.log.With(zap.String("serial", d.Serial), zap.String("alias", d.Alias))
		log.Debug("fetching device data")

		rec, err := c.fetchDevice(opCtx, d)
		switch {
		case err == nil:
			res.Records = append(res.Records, rec)
		case ctx.Err() != nil:
			return Result{}, ctx.Err()
		case opCtx.Err() != nil:
			return Result{}, &FetchError{Kind: Timeout, Serial: d.Serial, Err: fmt.Errorf("fetch exceeded %s", c.fetchTimeout)}
		case IsFetchKind(err, SessionExpired):
			return Result{}, err
		default:
			log.Warn("device data unavailable", zap.Error(err))
			c.dump(s, "data_"+d.Serial)
			res.Missing = append(res.Missing, &FetchError{Kind: PartialData, Serial: d.Serial, Err: err})
		}
	}
	return res, nil
}

// fetchDevice loads one device page and parses its newest row
func (c *Client) fetchDevice(ctx context.Context, d models.Device) (models.RawRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, c.deviceTimeout)
	defer cancel()

	if err := chromedp.Run(ctx, chromedp.Navigate(c.urls.DeviceData(d.Serial))); err != nil {
		return models.RawRecord{}, fmt.Errorf("navigating to data page: %w", err)
	}

	state, err := pollPage(ctx, dataStateScript(c.urls), pollInterval)
	if err != nil {
		return models.RawRecord{}, fmt.Errorf("waiting for data table: %w", err)
	}
	if state == "login" {
		return models.RawRecord{}, &FetchError{Kind: SessionExpired, Serial: d.Serial, Err: errors.New("redirected to login page")}
	}

	var html string
	if err := chromedp.Run(ctx, chromedp.OuterHTML(tableSelector, &html, chromedp.ByQuery)); err != nil {
		return models.RawRecord{}, fmt.Errorf("reading data table: %w", err)
	}

	return ParseDataTable(html, d.Serial)
}

// PageHTML returns the outer HTML of a device data page, for debugging
func (c *Client) PageHTML(ctx context.Context, s *Session, serial string) (string, error) {
	opCtx, done := s.withTimeout(ctx, c.deviceTimeout)
	defer done()

	var html string
	if err := chromedp.Run(opCtx,
		chromedp.Navigate(c.urls.DeviceData(serial)),
		chromedp.Sleep(pollInterval),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	); err != nil {
		return "", fmt.Errorf("loading data page: %w", err)
	}
	return html, nil
}

func (c *Client) dump(s *Session, stage string) {
	path, err := dumpPage(s, c.dumpDir, stage)
	if err != nil {
		c.log.Debug("could not save page source", zap.String("stage", stage), zap.Error(err))
		return
	}
	if path != "" {
		c.log.Info("page source saved for debugging", zap.String("stage", stage), zap.String("path", path))
	}
}

// loginStateScript reports "dashboard" once logged in and "rejected" when
// the form shows an error while still on the login page
func loginStateScript(urls config.PortalURLs) string {
	return fmt.Sprintf(`(() => {
		if (location.href.startsWith(%q)) return 'dashboard';
		const err = document.querySelector('.el-message--error, .el-form-item__error');
		if (err && err.getClientRects().length > 0) return 'rejected';
		return '';
	})()`, urls.Dashboard)
}

// dataStateScript reports "rows" when the data table of a device page is
// filled and "login" when the portal bounced us to the login form
func dataStateScript(urls config.PortalURLs) string {
	return fmt.Sprintf(`(() => {
		if (location.href.startsWith(%q) || document.querySelector(%q)) return 'login';
		if (location.href.startsWith(%q) && document.querySelector(%q)) return 'rows';
		return '';
	})()`, urls.Login, usernameSelector, urls.DataPrefix(), rowSelector)
}
