// Package overlay runs the live annotation loop: it watches the page through
// the browser surface, resolves identities, consults the ledger and keeps
// injected annotations alive against host re-renders. Two drivers feed the
// same reconciliation path: mutation reports from the page (incremental) and
// a periodic full sweep that heals whatever the host destroyed without
// producing an observable mutation.
package overlay

import (
	"context"
	"errors"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"

	"sentinel/agent/internal/annotate"
	"sentinel/agent/internal/browser"
	"sentinel/agent/internal/identity"
	"sentinel/agent/internal/ledger"
	"sentinel/agent/internal/reputation"
	"sentinel/agent/internal/scope"
)

// Surface is the DOM surface the engine drives. *browser.Session implements
// it; tests substitute a fake.
type Surface interface {
	Events() <-chan browser.Event
	Location(ctx context.Context) (string, error)
	Document(ctx context.Context) (string, error)
	ContainerHTML(ctx context.Context, containerID string) (string, error)
	Apply(ctx context.Context, containerID string, ops []annotate.Op) error
	RemoveAllAnnotations(ctx context.Context) error
	SetObserving(ctx context.Context, active bool) error
	ShowQuickMark(ctx context.Context, containerID, identity string, rules []ledger.Rule) error
}

// Config tunes the engine's cadence. Zero values get defaults.
type Config struct {
	// SweepInterval is the steady-state reconciliation cadence.
	SweepInterval time.Duration
	// StartDelays schedule extra early sweeps to catch content that loads
	// after attach.
	StartDelays []time.Duration
	// Now is the clock, injectable for tests.
	Now func() time.Time
}

// Engine is the watcher/reconciler. All mutable state is guarded by mu; the
// run loop, sweep timers and message handlers all go through it.
type Engine struct {
	surface Surface
	ledger  *ledger.Service
	config  Config

	mu           sync.Mutex
	gate         *scope.Gate
	active       bool
	lastLocation string
	processed    map[string]bool
	users        map[string]ledger.MarkedUser
	rules        []ledger.Rule
	rulesByID    map[string]ledger.Rule
	settings     ledger.Settings

	sweepCh chan struct{}
	stopCh  chan struct{}
	done    chan struct{}
	timers  []*time.Timer
	started bool
}

func New(surface Surface, ledgerService *ledger.Service, config Config) *Engine {
	if config.SweepInterval <= 0 {
		config.SweepInterval = 5 * time.Second
	}
	if len(config.StartDelays) == 0 {
		config.StartDelays = []time.Duration{1500 * time.Millisecond, 4 * time.Second}
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &Engine{
		surface:   surface,
		ledger:    ledgerService,
		config:    config,
		gate:      scope.NewGate(),
		processed: map[string]bool{},
		users:     map[string]ledger.MarkedUser{},
		rulesByID: map[string]ledger.Rule{},
		settings:  ledger.DefaultSettings(),
		sweepCh:   make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start launches the run loop and schedules the early sweeps. It returns
// immediately; Stop releases everything Start acquired.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return errors.New("overlay: engine already started")
	}
	e.started = true
	for _, delay := range e.config.StartDelays {
		e.timers = append(e.timers, time.AfterFunc(delay, e.requestSweep))
	}
	e.mu.Unlock()

	go e.run(ctx)
	e.requestSweep()
	return nil
}

// Stop cancels timers, stops the run loop and waits for it to exit.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return
	}
	e.started = false
	for _, timer := range e.timers {
		timer.Stop()
	}
	e.timers = nil
	e.mu.Unlock()

	close(e.stopCh)
	<-e.done
}

func (e *Engine) run(ctx context.Context) {
	defer close(e.done)
	ticker := time.NewTicker(e.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.sweep(ctx)
		case <-e.sweepCh:
			e.sweep(ctx)
		case event, ok := <-e.surface.Events():
			if !ok {
				return
			}
			e.handleEvent(ctx, event)
		}
	}
}

func (e *Engine) requestSweep() {
	select {
	case e.sweepCh <- struct{}{}:
	default:
	}
}

// sweep is the full reconciliation pass. The gate cache is force-invalidated
// here so landmarks that render late still flip the decision.
func (e *Engine) sweep(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()

	loc, err := e.surface.Location(ctx)
	if err != nil {
		log.Printf("overlay: sweep location: %v", err)
		return
	}
	markup, err := e.surface.Document(ctx)
	if err != nil {
		log.Printf("overlay: sweep document: %v", err)
		return
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(markup))
	if err != nil {
		log.Printf("overlay: sweep parse: %v", err)
		return
	}

	if loc != e.lastLocation {
		e.lastLocation = loc
		e.processed = map[string]bool{}
	}
	e.gate.Invalidate()

	if !e.gate.InScope(loc, doc) {
		e.teardown(ctx)
		return
	}
	if !e.active {
		if err := e.surface.SetObserving(ctx, true); err != nil {
			log.Printf("overlay: resume observing: %v", err)
		}
		e.reloadStateLocked(ctx)
		e.active = true
	}

	doc.Find("[data-sentinel-cid]").Each(func(_ int, container *goquery.Selection) {
		cid, _ := container.Attr("data-sentinel-cid")
		if cid == "" {
			return
		}
		if err := e.annotateLocked(ctx, cid, container); err != nil {
			// One broken container never aborts the rest of the sweep.
			log.Printf("overlay: annotate %s: %v", cid, err)
		}
	})
}

// teardown removes every annotation and pauses the incremental driver.
func (e *Engine) teardown(ctx context.Context) {
	if !e.active {
		return
	}
	if err := e.surface.RemoveAllAnnotations(ctx); err != nil {
		log.Printf("overlay: remove annotations: %v", err)
	}
	if err := e.surface.SetObserving(ctx, false); err != nil {
		log.Printf("overlay: pause observing: %v", err)
	}
	e.active = false
	e.processed = map[string]bool{}
}

// reloadStateLocked refreshes the cached ledger state. Read failures fall
// back to empty values; the next sweep retries.
func (e *Engine) reloadStateLocked(ctx context.Context) {
	users, err := e.ledger.Users(ctx)
	if err != nil {
		log.Printf("overlay: load users, falling back to empty: %v", err)
		users = map[string]ledger.MarkedUser{}
	}
	e.users = users

	rules, err := e.ledger.Rules(ctx)
	if err != nil {
		log.Printf("overlay: load rules, falling back to empty: %v", err)
		rules = nil
	}
	e.rules = rules
	e.rulesByID = map[string]ledger.Rule{}
	for _, rule := range rules {
		e.rulesByID[rule.ID] = rule
	}

	settings, err := e.ledger.Settings(ctx)
	if err != nil {
		log.Printf("overlay: load settings, using defaults: %v", err)
		settings = ledger.DefaultSettings()
	}
	e.settings = settings
}

// annotateLocked reconciles one container: resolve, look up, plan, apply.
// A resolution miss is a silent skip retried on the next sweep.
func (e *Engine) annotateLocked(ctx context.Context, cid string, container *goquery.Selection) error {
	handle, ok := identity.Resolve(container)
	if !ok {
		return nil
	}
	id := ledger.CanonicalIdentity(handle)
	if id == "" {
		return nil
	}

	ops := annotate.Ops(container, e.viewFor(id))
	if len(ops) == 0 {
		e.processed[cid] = true
		return nil
	}
	if err := e.surface.Apply(ctx, cid, ops); err != nil {
		if errors.Is(err, browser.ErrContainerGone) {
			delete(e.processed, cid)
			return nil
		}
		return err
	}
	e.processed[cid] = true
	return nil
}

func (e *Engine) viewFor(id string) annotate.View {
	user, marked := e.users[id]
	view := annotate.View{
		Identity:   id,
		Marked:     marked,
		User:       user,
		Rules:      e.rulesByID,
		ShowLabels: e.settings.ShowLabels,
	}
	if marked {
		// Never cached across mutations: recomputed on every render.
		view.Score = reputation.Compute(user, e.config.Now())
	}
	return view
}

func (e *Engine) handleEvent(ctx context.Context, event browser.Event) {
	switch event.Type {
	case browser.EventNavigated:
		e.mu.Lock()
		e.lastLocation = event.Location
		e.processed = map[string]bool{}
		e.gate.Invalidate()
		e.mu.Unlock()
		e.requestSweep()

	case browser.EventContainer:
		e.mu.Lock()
		defer e.mu.Unlock()
		if !e.active || e.processed[event.ContainerID] {
			return
		}
		container, err := parseContainer(event.HTML)
		if err != nil {
			log.Printf("overlay: parse container %s: %v", event.ContainerID, err)
			return
		}
		if err := e.annotateLocked(ctx, event.ContainerID, container); err != nil {
			log.Printf("overlay: annotate %s: %v", event.ContainerID, err)
		}

	case browser.EventMarkClick:
		e.mu.Lock()
		defer e.mu.Unlock()
		if !e.active {
			return
		}
		id := ledger.CanonicalIdentity(event.Username)
		if id == "" {
			return
		}
		if err := e.surface.ShowQuickMark(ctx, event.ContainerID, id, e.rules); err != nil {
			log.Printf("overlay: quick-mark menu for %s: %v", id, err)
		}

	case browser.EventQuickMark:
		e.quickMark(ctx, event)
	}
}

// quickMark writes the selected violation into the ledger, then runs a
// targeted reconciliation of the originating container.
func (e *Engine) quickMark(ctx context.Context, event browser.Event) {
	user, err := e.ledger.AddViolation(ctx, event.Username, event.RuleID)
	if err != nil {
		// Write failures surface; they are never swallowed.
		log.Printf("overlay: quick-mark %s/%s failed: %v", event.Username, event.RuleID, err)
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.users[user.Identity] = user
	if e.settings.NotificationsEnabled {
		log.Printf("overlay: marked @%s (rule %s, count %d)", user.Identity, event.RuleID, user.Rules[event.RuleID].Count)
	}
	e.reconcileContainerLocked(ctx, event.ContainerID)
}

func (e *Engine) reconcileContainerLocked(ctx context.Context, cid string) {
	if cid == "" {
		return
	}
	markup, err := e.surface.ContainerHTML(ctx, cid)
	if err != nil {
		if !errors.Is(err, browser.ErrContainerGone) {
			log.Printf("overlay: reload container %s: %v", cid, err)
		}
		return
	}
	container, err := parseContainer(markup)
	if err != nil {
		log.Printf("overlay: parse container %s: %v", cid, err)
		return
	}
	if err := e.annotateLocked(ctx, cid, container); err != nil {
		log.Printf("overlay: annotate %s: %v", cid, err)
	}
}

// ToggleLabels flips label visibility, persists it and re-renders on the
// next sweep (which is requested immediately).
func (e *Engine) ToggleLabels(ctx context.Context, enabled bool) error {
	e.mu.Lock()
	e.settings.ShowLabels = enabled
	settings := e.settings
	e.processed = map[string]bool{}
	e.mu.Unlock()

	if err := e.ledger.SaveSettings(ctx, settings); err != nil {
		return err
	}
	e.requestSweep()
	return nil
}

// RefreshUsers reloads the marked-user set and forces a full re-render.
func (e *Engine) RefreshUsers(ctx context.Context) error {
	users, err := e.ledger.Users(ctx)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.users = users
	e.processed = map[string]bool{}
	e.mu.Unlock()
	e.requestSweep()
	return nil
}

// RefreshRules reloads the rule set and forces a full re-render.
func (e *Engine) RefreshRules(ctx context.Context) error {
	rules, err := e.ledger.Rules(ctx)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.rules = rules
	e.rulesByID = map[string]ledger.Rule{}
	for _, rule := range rules {
		e.rulesByID[rule.ID] = rule
	}
	e.processed = map[string]bool{}
	e.mu.Unlock()
	e.requestSweep()
	return nil
}

// MarkUser applies a violation on behalf of the management UI.
func (e *Engine) MarkUser(ctx context.Context, username, ruleID string) (ledger.MarkedUser, error) {
	user, err := e.ledger.AddViolation(ctx, username, ruleID)
	if err != nil {
		return ledger.MarkedUser{}, err
	}
	e.mu.Lock()
	e.users[user.Identity] = user
	e.processed = map[string]bool{}
	e.mu.Unlock()
	e.requestSweep()
	return user, nil
}

func parseContainer(markup string) (*goquery.Selection, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(markup))
	if err != nil {
		return nil, err
	}
	container := doc.Find("[data-sentinel-cid]").First()
	if container.Length() == 0 {
		// Fragment without the marker attribute: treat the first element as
		// the container.
		container = doc.Find("body").Children().First()
	}
	return container, nil
}
