package overlay

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"sentinel/agent/internal/annotate"
	"sentinel/agent/internal/browser"
	"sentinel/agent/internal/ledger"
)

type fakeSurface struct {
	events     chan browser.Event
	location   string
	document   string
	containers map[string]string

	applied    map[string][][]annotate.Op
	removedAll int
	observing  []bool
	menus      []string
}

func newFakeSurface() *fakeSurface {
	return &fakeSurface{
		events:     make(chan browser.Event, 16),
		containers: map[string]string{},
		applied:    map[string][][]annotate.Op{},
	}
}

func (f *fakeSurface) Events() <-chan browser.Event { return f.events }

func (f *fakeSurface) Location(context.Context) (string, error) { return f.location, nil }

func (f *fakeSurface) Document(context.Context) (string, error) { return f.document, nil }

func (f *fakeSurface) ContainerHTML(_ context.Context, cid string) (string, error) {
	markup, ok := f.containers[cid]
	if !ok {
		return "", browser.ErrContainerGone
	}
	return markup, nil
}

func (f *fakeSurface) Apply(_ context.Context, cid string, ops []annotate.Op) error {
	f.applied[cid] = append(f.applied[cid], ops)
	return nil
}

func (f *fakeSurface) RemoveAllAnnotations(context.Context) error {
	f.removedAll++
	return nil
}

func (f *fakeSurface) SetObserving(_ context.Context, active bool) error {
	f.observing = append(f.observing, active)
	return nil
}

func (f *fakeSurface) ShowQuickMark(_ context.Context, cid, identity string, _ []ledger.Rule) error {
	f.menus = append(f.menus, cid+":"+identity)
	return nil
}

func testLedger(t *testing.T) *ledger.Service {
	t.Helper()
	s := miniredis.RunT(t)
	store, err := ledger.NewRedisStore("redis://" + s.Addr())
	if err != nil {
		t.Fatalf("redis store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	service := ledger.NewWithClock(store, ledger.Hooks{}, func() time.Time { return now })
	snapshot := ledger.Snapshot{
		Rules: []ledger.Rule{{ID: "r1", Name: "Spam", Color: "#ff0000", CreatedAt: 1}},
		Users: map[string]ledger.MarkedUser{
			"alice": {
				Identity:      "alice",
				Rules:         map[string]ledger.ViolationEntry{"r1": {Count: 2, FirstTimestamp: now.Add(-48 * time.Hour).UnixMilli()}},
				LastTimestamp: now.Add(-24 * time.Hour).UnixMilli(),
			},
		},
		Settings: ledger.DefaultSettings(),
	}
	if err := service.Import(context.Background(), snapshot); err != nil {
		t.Fatalf("seed ledger: %v", err)
	}
	return service
}

func communityDoc(containers string) string {
	return `<html><body><main>` + containers + `</main></body></html>`
}

const aliceContainer = `<article data-sentinel-cid="c1">
	<div>
		<div data-testid="User-Name"><a href="/alice">Alice</a></div>
	</div>
	<div data-testid="tweetText">hi</div>
</article>`

func testEngine(t *testing.T) (*Engine, *fakeSurface) {
	t.Helper()
	surface := newFakeSurface()
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	engine := New(surface, testLedger(t), Config{Now: func() time.Time { return now }})
	return engine, surface
}

func TestSweepAnnotatesMarkedUser(t *testing.T) {
	engine, surface := testEngine(t)
	surface.location = "https://example.com/i/communities/5"
	surface.document = communityDoc(aliceContainer)

	engine.sweep(context.Background())

	passes := surface.applied["c1"]
	if len(passes) != 1 {
		t.Fatalf("expected one apply pass for c1, got %d", len(passes))
	}
	var sawButton, sawLabel bool
	for _, op := range passes[0] {
		if strings.Contains(op.HTML, "data-sentinel-mark") {
			sawButton = true
		}
		if strings.Contains(op.HTML, "data-sentinel-label") {
			sawLabel = true
			if !strings.Contains(op.HTML, "Spam") {
				t.Fatalf("label missing rule name: %s", op.HTML)
			}
		}
	}
	if !sawButton || !sawLabel {
		t.Fatalf("expected button and label ops, got %+v", passes[0])
	}
	if len(surface.observing) == 0 || !surface.observing[0] {
		t.Fatalf("sweep entering scope should resume observing")
	}
}

func TestSweepSkipsUnresolvableContainers(t *testing.T) {
	engine, surface := testEngine(t)
	surface.location = "https://example.com/i/communities/5"
	surface.document = communityDoc(`<article data-sentinel-cid="c9"><div>no identity at all</div></article>`)

	engine.sweep(context.Background())

	if len(surface.applied) != 0 {
		t.Fatalf("unresolvable containers must be skipped, got %+v", surface.applied)
	}
}

func TestOutOfScopeTeardownWithinOneSweep(t *testing.T) {
	engine, surface := testEngine(t)
	surface.location = "https://example.com/i/communities/5"
	surface.document = communityDoc(aliceContainer)
	engine.sweep(context.Background())
	if !engine.active {
		t.Fatalf("engine should be active in scope")
	}

	// Navigate to a plain timeline with no community landmarks.
	surface.location = "https://example.com/home"
	surface.document = `<html><body><main><div>timeline</div></main></body></html>`
	engine.sweep(context.Background())

	if engine.active {
		t.Fatalf("engine should deactivate out of scope")
	}
	if surface.removedAll != 1 {
		t.Fatalf("annotations should be removed within one sweep, removals=%d", surface.removedAll)
	}
	last := surface.observing[len(surface.observing)-1]
	if last {
		t.Fatalf("observing should be paused out of scope")
	}
	if len(engine.processed) != 0 {
		t.Fatalf("processed markers should clear on teardown")
	}
}

func TestSweepIdempotentForSatisfiedContainer(t *testing.T) {
	engine, surface := testEngine(t)
	// bob is unmarked and his container already carries the action button.
	surface.location = "https://example.com/i/communities/5"
	surface.document = communityDoc(`<article data-sentinel-cid="c2">
		<div>
			<div data-testid="User-Name"><a href="/bob">Bob</a><button data-sentinel-mark data-sentinel-user="bob"></button></div>
		</div>
	</article>`)

	engine.sweep(context.Background())
	engine.sweep(context.Background())

	if len(surface.applied["c2"]) != 0 {
		t.Fatalf("satisfied container should produce no ops, got %+v", surface.applied["c2"])
	}
}

func TestSweepIgnoresOpenQuickMarkMenu(t *testing.T) {
	engine, surface := testEngine(t)
	surface.location = "https://example.com/i/communities/5"
	// A satisfied container with the quick-mark menu open inside it. The menu
	// items reference the container but are not containers themselves; the
	// sweep must not plan a second action button through them.
	surface.document = communityDoc(`<article data-sentinel-cid="c2">
		<div>
			<div data-testid="User-Name"><a href="/bob">Bob</a><button data-sentinel-mark data-sentinel-user="bob"></button></div>
		</div>
		<div class="sentinel-menu" data-sentinel-menu>
			<div data-sentinel-menu-item data-sentinel-for="c2" data-sentinel-user="bob" data-sentinel-rule="r1">Spam</div>
		</div>
	</article>`)

	engine.sweep(context.Background())
	engine.sweep(context.Background())

	for _, pass := range surface.applied["c2"] {
		for _, op := range pass {
			if strings.Contains(op.HTML, "data-sentinel-mark") {
				t.Fatalf("sweep planned a second action button for c2: %+v", op)
			}
		}
	}
}

func TestContainerEventDedup(t *testing.T) {
	engine, surface := testEngine(t)
	surface.location = "https://example.com/i/communities/5"
	surface.document = communityDoc("")
	engine.sweep(context.Background()) // activate

	ctx := context.Background()
	event := browser.Event{Type: browser.EventContainer, ContainerID: "c1", HTML: aliceContainer}
	engine.handleEvent(ctx, event)
	engine.handleEvent(ctx, event)

	if len(surface.applied["c1"]) != 1 {
		t.Fatalf("duplicate container reports should annotate once, got %d passes", len(surface.applied["c1"]))
	}

	// A navigation clears the dedup set, so the re-rendered node is new.
	engine.handleEvent(ctx, browser.Event{Type: browser.EventNavigated, Location: "https://example.com/i/communities/6"})
	engine.handleEvent(ctx, event)
	if len(surface.applied["c1"]) != 2 {
		t.Fatalf("post-navigation report should re-annotate, got %d passes", len(surface.applied["c1"]))
	}
}

func TestMarkClickShowsMenuOnlyWhenActive(t *testing.T) {
	engine, surface := testEngine(t)
	ctx := context.Background()
	click := browser.Event{Type: browser.EventMarkClick, ContainerID: "c1", Username: "alice"}

	engine.handleEvent(ctx, click)
	if len(surface.menus) != 0 {
		t.Fatalf("inactive engine must not open menus")
	}

	surface.location = "https://example.com/i/communities/5"
	surface.document = communityDoc("")
	engine.sweep(ctx)
	engine.handleEvent(ctx, click)
	if len(surface.menus) != 1 || surface.menus[0] != "c1:alice" {
		t.Fatalf("expected one menu for c1:alice, got %v", surface.menus)
	}
}

func TestQuickMarkWritesLedgerAndReconciles(t *testing.T) {
	engine, surface := testEngine(t)
	ctx := context.Background()
	surface.location = "https://example.com/i/communities/5"
	surface.document = communityDoc("")
	engine.sweep(ctx)

	surface.containers["c3"] = `<article data-sentinel-cid="c3">
		<div><div data-testid="User-Name"><a href="/carol">Carol</a></div></div>
	</article>`

	engine.handleEvent(ctx, browser.Event{
		Type: browser.EventQuickMark, ContainerID: "c3", Username: "@Carol", RuleID: "r1",
	})

	user, found, err := engine.ledger.User(ctx, "carol")
	if err != nil || !found {
		t.Fatalf("quick-mark did not persist: found=%v err=%v", found, err)
	}
	if user.Rules["r1"].Count != 1 {
		t.Fatalf("unexpected count: %+v", user.Rules)
	}
	if len(surface.applied["c3"]) != 1 {
		t.Fatalf("quick-mark should trigger targeted reconciliation, got %+v", surface.applied)
	}
}

func TestQuickMarkUnknownRuleDoesNotPersist(t *testing.T) {
	engine, surface := testEngine(t)
	ctx := context.Background()
	surface.location = "https://example.com/i/communities/5"
	surface.document = communityDoc("")
	engine.sweep(ctx)

	engine.handleEvent(ctx, browser.Event{
		Type: browser.EventQuickMark, ContainerID: "c3", Username: "dave", RuleID: "bogus",
	})
	if _, found, _ := engine.ledger.User(ctx, "dave"); found {
		t.Fatalf("violation against an unknown rule must not persist")
	}
}

func TestToggleLabelsRemovesOnNextSweep(t *testing.T) {
	engine, surface := testEngine(t)
	ctx := context.Background()
	surface.location = "https://example.com/i/communities/5"
	surface.document = communityDoc(aliceContainer)
	engine.sweep(ctx)

	if err := engine.ToggleLabels(ctx, false); err != nil {
		t.Fatalf("ToggleLabels failed: %v", err)
	}
	settings, _ := engine.ledger.Settings(ctx)
	if settings.ShowLabels {
		t.Fatalf("label visibility should persist")
	}

	// The live document now carries the label from the first pass; the next
	// sweep must plan its removal.
	surface.document = communityDoc(`<article data-sentinel-cid="c1">
		<div>
			<div data-testid="User-Name"><a href="/alice">Alice</a><button data-sentinel-mark data-sentinel-user="alice"></button></div>
			<div data-sentinel-label data-sentinel-user="alice" data-sentinel-rev="feedbeef"></div>
		</div>
	</article>`)
	engine.sweep(ctx)

	passes := surface.applied["c1"]
	final := passes[len(passes)-1]
	if len(final) != 1 || !final[0].Remove {
		t.Fatalf("expected a single label-removal op, got %+v", final)
	}
}

func TestRefreshUsersForcesRerender(t *testing.T) {
	engine, surface := testEngine(t)
	ctx := context.Background()
	surface.location = "https://example.com/i/communities/5"
	surface.document = communityDoc(aliceContainer)
	engine.sweep(ctx)
	if len(engine.processed) == 0 {
		t.Fatalf("sweep should mark containers processed")
	}

	if err := engine.RefreshUsers(ctx); err != nil {
		t.Fatalf("RefreshUsers failed: %v", err)
	}
	if len(engine.processed) != 0 {
		t.Fatalf("refresh should clear processed markers")
	}
}

func TestStartStopLifecycle(t *testing.T) {
	engine, surface := testEngine(t)
	surface.location = "https://example.com/home"
	surface.document = `<html><body><main></main></body></html>`

	if err := engine.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := engine.Start(context.Background()); err == nil {
		t.Fatalf("double Start should fail")
	}
	engine.Stop()
	engine.Stop() // idempotent
}
