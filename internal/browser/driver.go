// Package browser attaches to an already-authenticated Chrome instance over
// the DevTools protocol and drives the comprobantes recibidos page: reading
// the results table, clicking the paginator, and firing download links.
package browser

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	cdpbrowser "github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/jpvasquez/sri-downloader/internal/config"
	"github.com/jpvasquez/sri-downloader/internal/sri"
)

// Confirmer receives download-started notifications observed in the browser.
type Confirmer interface {
	ConfirmDownload()
}

type tabSession struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// Driver implements sri.PageReader, sri.Navigator, and sri.DownloadTrigger
// against a remote Chrome. One DevTools session is kept per tab and reused
// across calls; the user stays logged in because we never own the browser.
type Driver struct {
	portal      config.PortalConfig
	downloadDir string
	attachWait  time.Duration
	confirmer   Confirmer
	logger      *zap.Logger

	allocCtx    context.Context
	allocCancel context.CancelFunc

	mu   sync.Mutex
	tabs map[string]*tabSession
}

// New connects the allocator to the DevTools endpoint. No tab session is
// opened until a call names a tab. The confirmer may be nil at construction
// and set later with SetConfirmer; the engine and driver reference each
// other, so one of them has to be wired after the fact.
func New(cfg config.BrowserConfig, portal config.PortalConfig, confirmer Confirmer, logger *zap.Logger) (*Driver, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	dir := cfg.DownloadDir
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "sri-downloads")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create download dir: %w", err)
	}

	attachWait := time.Duration(cfg.AttachTimeoutSec) * time.Second
	if attachWait <= 0 {
		attachWait = 10 * time.Second
	}

	allocCtx, allocCancel := chromedp.NewRemoteAllocator(context.Background(), cfg.DevtoolsURL)
	return &Driver{
		portal:      portal,
		downloadDir: dir,
		attachWait:  attachWait,
		confirmer:   confirmer,
		logger:      logger,
		allocCtx:    allocCtx,
		allocCancel: allocCancel,
		tabs:        make(map[string]*tabSession),
	}, nil
}

// SetConfirmer installs the download-confirmation receiver. Call before any
// tab session is opened.
func (d *Driver) SetConfirmer(c Confirmer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.confirmer = c
}

func (d *Driver) notifyDownload() {
	d.mu.Lock()
	c := d.confirmer
	d.mu.Unlock()
	if c != nil {
		c.ConfirmDownload()
	}
}

// FindPortalTab returns the ID of the first open tab on the portal domain.
func (d *Driver) FindPortalTab(ctx context.Context) (string, error) {
	probeCtx, cancel := chromedp.NewContext(d.allocCtx)
	defer cancel()

	ctx, cancelWait := context.WithTimeout(ctx, d.attachWait)
	defer cancelWait()

	type result struct {
		infos []*target.Info
		err   error
	}
	done := make(chan result, 1)
	go func() {
		infos, err := chromedp.Targets(probeCtx)
		done <- result{infos: infos, err: err}
	}()

	var infos []*target.Info
	select {
	case <-ctx.Done():
		return "", fmt.Errorf("list browser targets: %w", ctx.Err())
	case res := <-done:
		if res.err != nil {
			return "", fmt.Errorf("list browser targets: %w", res.err)
		}
		infos = res.infos
	}

	for _, info := range infos {
		if info.Type == "page" && strings.Contains(info.URL, d.portal.Domain) {
			return string(info.TargetID), nil
		}
	}
	return "", fmt.Errorf("no open tab on %s; log in to the portal first", d.portal.Domain)
}

// ReadPage captures the results table, paginator label, and session RUC in a
// single evaluation so the three never straddle a PrimeFaces re-render.
func (d *Driver) ReadPage(ctx context.Context, tabID string) (sri.PageData, error) {
	snap, err := d.snapshot(ctx, tabID)
	if err != nil {
		return sri.PageData{}, err
	}
	if snap.Table == nil {
		return sri.PageData{}, sri.ErrTableNotFound
	}
	docs, err := parseDocuments(*snap.Table, d.portal)
	if err != nil {
		return sri.PageData{}, err
	}
	return sri.PageData{
		Documents:   docs,
		Pagination:  parsePagination(snap.Paginator),
		TaxpayerRUC: parseTaxpayerRUC(snap.Menu),
	}, nil
}

// ReadPagination re-reads only the paginator label.
func (d *Driver) ReadPagination(ctx context.Context, tabID string) (sri.PaginationState, error) {
	snap, err := d.snapshot(ctx, tabID)
	if err != nil {
		return sri.PaginationState{}, err
	}
	return parsePagination(snap.Paginator), nil
}

// GoFirstPage clicks the first-page control. The selector excludes the
// disabled state, so on page one this is a no-op.
func (d *Driver) GoFirstPage(ctx context.Context, tabID string) error {
	_, err := d.click(ctx, tabID, d.portal.FirstButton)
	return err
}

// GoNextPage clicks the next-page control and reports whether an enabled
// control was found.
func (d *Driver) GoNextPage(ctx context.Context, tabID string) (bool, error) {
	return d.click(ctx, tabID, d.portal.NextButton)
}

// Trigger fires the portal's JSF download mechanism for one link ID. The
// call submits the page form the same way clicking the link would; whether a
// file actually arrives is observed by the download listener, not here.
func (d *Driver) Trigger(ctx context.Context, tabID, linkID string) error {
	tabCtx, err := d.tab(ctx, tabID)
	if err != nil {
		return err
	}
	script := fmt.Sprintf(`(() => {
		const form = document.getElementById(%q);
		if (!form || typeof mojarra === "undefined") { return false; }
		try {
			mojarra.jsfcljs(form, {%q: %q}, "");
			return true;
		} catch (e) {
			return false;
		}
	})()`, d.portal.FormID, linkID, linkID)

	var fired bool
	if err := d.run(ctx, tabCtx, chromedp.Evaluate(script, &fired)); err != nil {
		return fmt.Errorf("evaluate download trigger: %w", err)
	}
	if !fired {
		return fmt.Errorf("download trigger %s did not fire", linkID)
	}
	return nil
}

// Close tears down all tab sessions and the allocator.
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, t := range d.tabs {
		t.cancel()
		delete(d.tabs, id)
	}
	d.allocCancel()
	return nil
}

type pageSnapshot struct {
	Table     *string `json:"table"`
	Paginator string  `json:"paginator"`
	Menu      string  `json:"menu"`
}

func (d *Driver) snapshot(ctx context.Context, tabID string) (pageSnapshot, error) {
	tabCtx, err := d.tab(ctx, tabID)
	if err != nil {
		return pageSnapshot{}, err
	}
	script := fmt.Sprintf(`(() => {
		const table = document.querySelector(%q);
		const pag = document.querySelector(%q);
		const menu = Array.from(document.querySelectorAll(%q)).map(e => e.textContent).join(" ");
		return {
			table: table ? table.outerHTML : null,
			paginator: pag ? pag.textContent : "",
			menu: menu,
		};
	})()`, d.portal.TableSelector, d.portal.PaginatorSelector, d.portal.RUCSelector)

	var snap pageSnapshot
	if err := d.run(ctx, tabCtx, chromedp.Evaluate(script, &snap)); err != nil {
		return pageSnapshot{}, fmt.Errorf("evaluate page snapshot: %w", err)
	}
	return snap, nil
}

func (d *Driver) click(ctx context.Context, tabID, selector string) (bool, error) {
	tabCtx, err := d.tab(ctx, tabID)
	if err != nil {
		return false, err
	}
	script := fmt.Sprintf(`(() => {
		const btn = document.querySelector(%q);
		if (!btn) { return false; }
		btn.click();
		return true;
	})()`, selector)

	var clicked bool
	if err := d.run(ctx, tabCtx, chromedp.Evaluate(script, &clicked)); err != nil {
		return false, fmt.Errorf("evaluate paginator click: %w", err)
	}
	return clicked, nil
}

// tab returns the DevTools session for a tab, attaching on first use. The
// first attach also enables download events and reroutes downloads to the
// configured directory so the browser never prompts per file.
func (d *Driver) tab(ctx context.Context, tabID string) (context.Context, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if t, ok := d.tabs[tabID]; ok {
		return t.ctx, nil
	}

	tabCtx, cancel := chromedp.NewContext(d.allocCtx, chromedp.WithTargetID(target.ID(tabID)))

	attachCtx, cancelAttach := context.WithTimeout(ctx, d.attachWait)
	defer cancelAttach()

	behavior := cdpbrowser.SetDownloadBehavior(cdpbrowser.SetDownloadBehaviorBehaviorAllowAndName).
		WithDownloadPath(d.downloadDir).
		WithEventsEnabled(true)
	if err := chromedp.Run(tabCtx, chromedp.ActionFunc(func(runCtx context.Context) error {
		select {
		case <-attachCtx.Done():
			return fmt.Errorf("attach to tab %s: %w", tabID, attachCtx.Err())
		default:
		}
		return behavior.Do(runCtx)
	})); err != nil {
		cancel()
		return nil, fmt.Errorf("attach to tab %s: %w", tabID, err)
	}

	chromedp.ListenTarget(tabCtx, func(ev interface{}) {
		if begin, ok := ev.(*cdpbrowser.EventDownloadWillBegin); ok {
			d.logger.Debug("download observed",
				zap.String("tab_id", tabID),
				zap.String("filename", begin.SuggestedFilename))
			d.notifyDownload()
		}
	})

	d.tabs[tabID] = &tabSession{ctx: tabCtx, cancel: cancel}
	return tabCtx, nil
}

// run executes actions on the tab session while honoring the caller context.
func (d *Driver) run(ctx context.Context, tabCtx context.Context, actions ...chromedp.Action) error {
	done := make(chan error, 1)
	go func() { done <- chromedp.Run(tabCtx, actions...) }()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}
