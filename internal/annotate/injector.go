package annotate

import (
	"fmt"
	"hash/fnv"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"sentinel/agent/internal/ledger"
	"sentinel/agent/internal/reputation"
	"sentinel/agent/internal/sanitize"
)

const nameContainerSelector = `[data-testid="User-Name"]`

// View is everything the injector is given to render. It never reads the
// ledger itself.
type View struct {
	Identity   string
	Marked     bool
	User       ledger.MarkedUser
	Rules      map[string]ledger.Rule
	Score      reputation.Score
	ShowLabels bool
}

// Ops plans the full annotation state for one container: the action button
// plus the label group. Ops come out empty when the container already shows
// exactly what the view describes.
func Ops(container *goquery.Selection, view View) []Op {
	var ops []Op
	if op, needed := ButtonOp(container, view.Identity); needed {
		ops = append(ops, op)
	}
	ops = append(ops, LabelOps(container, view)...)
	return ops
}

// ButtonOp ensures the container has exactly one action affordance for the
// identity. An existing button is left untouched so accumulating violations
// never requires re-clicking.
func ButtonOp(container *goquery.Selection, identity string) (Op, bool) {
	if container.Find(buttonSelector(identity)).Length() > 0 {
		return Op{}, false
	}
	selector, position := buttonSlot(container)
	return Op{Selector: selector, Position: position, HTML: buttonHTML(identity)}, true
}

// LabelOps rebuilds the label group when it is missing or stale, and removes
// it when labels are hidden or the user is not marked. A revision attribute
// on the rendered group makes staleness detection cheap.
func LabelOps(container *goquery.Selection, view View) []Op {
	existing := container.Find(labelSelector(view.Identity))

	if !view.Marked || !view.ShowLabels {
		if existing.Length() == 0 {
			return nil
		}
		return []Op{{Remove: true, Selector: labelSelector(view.Identity)}}
	}

	rev := labelRevision(view)
	if existing.Length() == 1 {
		if current, _ := existing.Attr("data-sentinel-rev"); current == rev {
			return nil
		}
	}

	var ops []Op
	if existing.Length() > 0 {
		ops = append(ops, Op{Remove: true, Selector: labelSelector(view.Identity)})
	}
	selector, position := labelSlot(container)
	ops = append(ops, Op{Selector: selector, Position: position, HTML: labelHTML(view, rev)})
	return ops
}

// RemoveAllOp clears every injected annotation in a container.
func RemoveAllOp() Op {
	return Op{Remove: true, Selector: AnnotationSelector}
}

// labelSlot picks the insertion point for the label group, trying the
// fallbacks in order: before the trailing icon cluster in the header row,
// before the rightmost interactive header child, end of the header row, end
// of the name container. The container itself is the last resort.
func labelSlot(container *goquery.Selection) (string, Position) {
	name := container.Find(nameContainerSelector).First()
	if name.Length() == 0 {
		return "", BeforeEnd
	}
	header := name.Parent()

	if target := trailingIconCluster(header, name); target != nil {
		if path, ok := relativePath(container, target); ok {
			return path, BeforeBegin
		}
	}
	if target := rightmostInteractiveChild(header, name); target != nil {
		if path, ok := relativePath(container, target); ok {
			return path, BeforeBegin
		}
	}
	if path, ok := relativePath(container, header); ok {
		return path, BeforeEnd
	}
	if path, ok := relativePath(container, name); ok {
		return path, BeforeEnd
	}
	return "", BeforeEnd
}

// trailingIconCluster finds the last header-row child that holds only icon
// markup and follows the name container.
func trailingIconCluster(header, name *goquery.Selection) *goquery.Selection {
	var found *goquery.Selection
	seenName := false
	header.Children().Each(func(_ int, child *goquery.Selection) {
		if child.IsSelection(name) {
			seenName = true
			return
		}
		if !seenName {
			return
		}
		if child.Find("svg").Length() > 0 && strings.TrimSpace(child.Text()) == "" {
			found = child
		}
	})
	return found
}

// rightmostInteractiveChild finds the last header-row child containing any
// interactive icon markup.
func rightmostInteractiveChild(header, name *goquery.Selection) *goquery.Selection {
	var found *goquery.Selection
	header.Children().Each(func(_ int, child *goquery.Selection) {
		if child.IsSelection(name) {
			return
		}
		if child.Find(`svg, button, [role="button"]`).Length() > 0 {
			found = child
		}
	})
	return found
}

// buttonSlot appends the action button to the name container when present,
// otherwise to the container itself.
func buttonSlot(container *goquery.Selection) (string, Position) {
	name := container.Find(nameContainerSelector).First()
	if name.Length() > 0 {
		if path, ok := relativePath(container, name); ok {
			return path, BeforeEnd
		}
	}
	return "", BeforeEnd
}

func buttonSelector(identity string) string {
	return fmt.Sprintf(`[data-sentinel-mark][data-sentinel-user="%s"]`, identity)
}

func labelSelector(identity string) string {
	return fmt.Sprintf(`[data-sentinel-label][data-sentinel-user="%s"]`, identity)
}

func buttonHTML(identity string) string {
	escaped := sanitize.EscapeForDisplay(identity)
	return fmt.Sprintf(
		`<button type="button" class="sentinel-mark" data-sentinel-mark data-sentinel-user="%s" title="Mark rule violation">&#9873;</button>`,
		escaped)
}

// labelHTML renders one badge per violated rule plus the reputation summary.
// Rule names and colors are display-only and fully sanitized; a rule id with
// no matching rule renders as Unknown.
func labelHTML(view View, rev string) string {
	ruleIDs := make([]string, 0, len(view.User.Rules))
	for id := range view.User.Rules {
		ruleIDs = append(ruleIDs, id)
	}
	sort.Strings(ruleIDs)

	var b strings.Builder
	fmt.Fprintf(&b,
		`<div class="sentinel-labels" data-sentinel-label data-sentinel-user="%s" data-sentinel-rev="%s">`,
		sanitize.EscapeForDisplay(view.Identity), rev)
	for _, id := range ruleIDs {
		entry := view.User.Rules[id]
		name := "Unknown"
		color := sanitize.DefaultColor
		if rule, ok := view.Rules[id]; ok {
			name = rule.Name
			color = rule.Color
		}
		fmt.Fprintf(&b,
			`<span class="sentinel-badge" style="background-color:%s">%s&#215;%d</span>`,
			sanitize.ValidateColor(color), sanitize.EscapeForDisplay(name), entry.Count)
	}
	fmt.Fprintf(&b,
		`<span class="sentinel-score sentinel-score--%s">%d %s</span>`,
		strings.ToLower(string(view.Score.Label)), view.Score.Score, trendGlyph(view.Score.Trend))
	b.WriteString(`</div>`)
	return b.String()
}

func trendGlyph(trend reputation.Trend) string {
	switch trend {
	case reputation.TrendUp:
		return "&#8599;"
	case reputation.TrendDown:
		return "&#8600;"
	default:
		return "&#8594;"
	}
}

// labelRevision fingerprints the rendered state so an unchanged label is left
// alone on the next pass.
func labelRevision(view View) string {
	h := fnv.New32a()
	fmt.Fprintf(h, "%s|%d|%s|%v", view.Identity, view.Score.Score, view.Score.Trend, view.ShowLabels)
	ids := make([]string, 0, len(view.User.Rules))
	for id := range view.User.Rules {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		entry := view.User.Rules[id]
		name, color := "", ""
		if rule, ok := view.Rules[id]; ok {
			name, color = rule.Name, rule.Color
		}
		fmt.Fprintf(h, "|%s:%d:%s:%s", id, entry.Count, name, color)
	}
	return fmt.Sprintf("%08x", h.Sum32())
}
