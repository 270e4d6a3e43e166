// Package browser owns the Chrome tab the overlay runs against. It speaks the
// DevTools protocol through chromedp: an injected observer script reports
// added containers, quick-mark interactions and SPA navigations over a
// runtime binding, and annotation ops are applied with container-scoped
// DOM edits.
package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"

	"sentinel/agent/internal/annotate"
	"sentinel/agent/internal/ledger"
	"sentinel/agent/internal/sanitize"
)

const bindingName = "__sentinelReport"

// ErrContainerGone reports that a container disappeared between discovery and
// apply. Callers treat it like a resolution miss: skip, the next sweep heals.
var ErrContainerGone = errors.New("browser: container no longer in document")

// Options configure the Chrome session.
type Options struct {
	// RemoteURL attaches to a running Chrome's DevTools websocket. When
	// empty a headless instance is launched instead.
	RemoteURL string
	// TargetURL is navigated to after attach when non-empty.
	TargetURL string
	Headless  bool
}

// Session is a live Chrome tab implementing the overlay's DOM surface.
type Session struct {
	ctx    context.Context
	cancel []context.CancelFunc
	events chan Event
}

// NewSession attaches to or launches Chrome, installs the observer script and
// starts delivering page events.
func NewSession(parent context.Context, opts Options) (*Session, error) {
	s := &Session{events: make(chan Event, 256)}

	var allocCtx context.Context
	var cancelAlloc context.CancelFunc
	if opts.RemoteURL != "" {
		allocCtx, cancelAlloc = chromedp.NewRemoteAllocator(parent, opts.RemoteURL)
	} else {
		execOpts := append(chromedp.DefaultExecAllocatorOptions[:],
			chromedp.Flag("headless", opts.Headless),
			chromedp.Flag("disable-gpu", true),
			chromedp.Flag("no-sandbox", true),
			chromedp.Flag("disable-dev-shm-usage", true),
		)
		allocCtx, cancelAlloc = chromedp.NewExecAllocator(parent, execOpts...)
	}
	ctx, cancelCtx := chromedp.NewContext(allocCtx)
	s.ctx = ctx
	s.cancel = []context.CancelFunc{cancelCtx, cancelAlloc}

	chromedp.ListenTarget(ctx, s.handleTargetEvent)

	actions := []chromedp.Action{
		runtime.AddBinding(bindingName),
		chromedp.ActionFunc(func(ctx context.Context) error {
			_, err := page.AddScriptToEvaluateOnNewDocument(observerScript).Do(ctx)
			return err
		}),
	}
	if opts.TargetURL != "" {
		actions = append(actions, chromedp.Navigate(opts.TargetURL))
	} else {
		// Already on a page: install the observer into the live document.
		actions = append(actions, chromedp.Evaluate(observerScript, nil))
	}
	if err := chromedp.Run(ctx, actions...); err != nil {
		s.Close()
		return nil, fmt.Errorf("start chrome session: %w", err)
	}
	return s, nil
}

// Events is the stream of page reports. The channel is never closed while the
// session lives; events are dropped, with a log line, if the consumer falls
// behind.
func (s *Session) Events() <-chan Event {
	return s.events
}

func (s *Session) handleTargetEvent(ev interface{}) {
	switch e := ev.(type) {
	case *runtime.EventBindingCalled:
		if e.Name != bindingName {
			return
		}
		var event Event
		if err := json.Unmarshal([]byte(e.Payload), &event); err != nil {
			log.Printf("browser: bad binding payload: %v", err)
			return
		}
		s.push(event)
	case *page.EventFrameNavigated:
		if e.Frame == nil || e.Frame.ParentID != "" {
			return
		}
		s.push(Event{Type: EventNavigated, Location: e.Frame.URL})
	}
}

// push must never block: it runs on chromedp's event dispatch goroutine.
func (s *Session) push(event Event) {
	select {
	case s.events <- event:
	default:
		log.Printf("browser: event buffer full, dropping %s", event.Type)
	}
}

// Location returns the tab's current URL.
func (s *Session) Location(ctx context.Context) (string, error) {
	var loc string
	if err := chromedp.Run(s.run(ctx), chromedp.Location(&loc)); err != nil {
		return "", fmt.Errorf("read location: %w", err)
	}
	return loc, nil
}

// Document tags all current containers and returns the full document markup.
func (s *Session) Document(ctx context.Context) (string, error) {
	const js = `(function () {
		if (window.__sentinelTagAll) window.__sentinelTagAll();
		return document.documentElement.outerHTML;
	})()`
	var html string
	if err := chromedp.Run(s.run(ctx), chromedp.Evaluate(js, &html)); err != nil {
		return "", fmt.Errorf("read document: %w", err)
	}
	return html, nil
}

// ContainerHTML returns the current markup of one tagged container.
func (s *Session) ContainerHTML(ctx context.Context, containerID string) (string, error) {
	js := fmt.Sprintf(`(function () {
		var node = document.querySelector('[data-sentinel-cid=%s]');
		return node ? node.outerHTML : '';
	})()`, jsString(containerID))
	var html string
	if err := chromedp.Run(s.run(ctx), chromedp.Evaluate(js, &html)); err != nil {
		return "", fmt.Errorf("read container %s: %w", containerID, err)
	}
	if html == "" {
		return "", ErrContainerGone
	}
	return html, nil
}

// Apply executes annotation ops scoped to one container.
func (s *Session) Apply(ctx context.Context, containerID string, ops []annotate.Op) error {
	if len(ops) == 0 {
		return nil
	}
	payload, err := json.Marshal(ops)
	if err != nil {
		return fmt.Errorf("encode ops: %w", err)
	}
	js := fmt.Sprintf(`(function (ops) {
		var c = document.querySelector('[data-sentinel-cid=%s]');
		if (!c) return 'gone';
		ops.forEach(function (op) {
			if (op.remove) {
				c.querySelectorAll(op.selector).forEach(function (n) { n.remove(); });
				return;
			}
			var target = op.selector ? c.querySelector(op.selector) : c;
			if (target) target.insertAdjacentHTML(op.position, op.html);
		});
		return 'ok';
	})(%s)`, jsString(containerID), payload)

	var result string
	if err := chromedp.Run(s.run(ctx), chromedp.Evaluate(js, &result)); err != nil {
		return fmt.Errorf("apply ops to %s: %w", containerID, err)
	}
	if result == "gone" {
		return ErrContainerGone
	}
	return nil
}

// RemoveAllAnnotations strips every injected node from the page.
func (s *Session) RemoveAllAnnotations(ctx context.Context) error {
	js := fmt.Sprintf(`document.querySelectorAll(%s).forEach(function (n) { n.remove(); })`,
		jsString(annotate.AnnotationSelector))
	if err := chromedp.Run(s.run(ctx), chromedp.Evaluate(js, nil)); err != nil {
		return fmt.Errorf("remove annotations: %w", err)
	}
	return nil
}

// SetObserving pauses or resumes mutation reporting in the page.
func (s *Session) SetObserving(ctx context.Context, active bool) error {
	js := fmt.Sprintf("window.__sentinelActive = %t", active)
	if err := chromedp.Run(s.run(ctx), chromedp.Evaluate(js, nil)); err != nil {
		return fmt.Errorf("set observing %t: %w", active, err)
	}
	return nil
}

// ShowQuickMark opens the rule-selection menu inside a container. Rule names
// and colors are sanitized at this render boundary like everywhere else.
func (s *Session) ShowQuickMark(ctx context.Context, containerID, identity string, rules []ledger.Rule) error {
	menu := quickMarkHTML(containerID, identity, rules)
	js := fmt.Sprintf(`(function () {
		document.querySelectorAll('[data-sentinel-menu]').forEach(function (n) { n.remove(); });
		var c = document.querySelector('[data-sentinel-cid=%s]');
		if (!c) return 'gone';
		c.insertAdjacentHTML('beforeend', %s);
		return 'ok';
	})()`, jsString(containerID), jsString(menu))

	var result string
	if err := chromedp.Run(s.run(ctx), chromedp.Evaluate(js, &result)); err != nil {
		return fmt.Errorf("show quick-mark menu: %w", err)
	}
	if result == "gone" {
		return ErrContainerGone
	}
	return nil
}

// Close tears the session down. The tab itself survives when attached to a
// running browser; only the DevTools connection goes away.
func (s *Session) Close() error {
	for _, cancel := range s.cancel {
		cancel()
	}
	return nil
}

// run prefers the caller's deadline but keeps the session's target binding.
func (s *Session) run(ctx context.Context) context.Context {
	if ctx == nil {
		return s.ctx
	}
	merged, cancel := context.WithCancel(s.ctx)
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-merged.Done():
		}
	}()
	return merged
}

func jsString(value string) string {
	encoded, _ := json.Marshal(value)
	return string(encoded)
}

func quickMarkHTML(containerID, identity string, rules []ledger.Rule) string {
	escapedUser := sanitize.EscapeForDisplay(identity)
	escapedCid := sanitize.EscapeForDisplay(containerID)

	// Menu items reference their container via data-sentinel-for, never
	// data-sentinel-cid: only real containers may carry the cid attribute or
	// the sweep would classify the open menu as a candidate container.
	var b []byte
	b = append(b, fmt.Sprintf(`<div class="sentinel-menu" data-sentinel-menu><div class="sentinel-menu-title">Mark @%s</div>`, escapedUser)...)
	for _, rule := range rules {
		b = append(b, fmt.Sprintf(
			`<div class="sentinel-menu-item" data-sentinel-menu-item data-sentinel-for="%s" data-sentinel-user="%s" data-sentinel-rule="%s"><span class="sentinel-menu-swatch" style="background-color:%s"></span>%s</div>`,
			escapedCid, escapedUser, sanitize.EscapeForDisplay(rule.ID),
			sanitize.ValidateColor(rule.Color), sanitize.EscapeForDisplay(rule.Name))...)
	}
	b = append(b, `</div>`...)
	return string(b)
}
