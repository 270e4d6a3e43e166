// Package scope decides whether the current view is one the overlay should
// annotate at all. Community context is inferred from the location path and
// from navigation landmarks, never from post bodies: post text can mention or
// link to a community without the view being a community view.
package scope

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

const communityPathPrefix = "/i/communities"

// postBodySelector matches the subtrees that must be excluded from landmark
// probing.
const postBodySelector = `[data-testid="tweetText"], article [lang]`

var statusPathPattern = regexp.MustCompile(`^/[^/]+/status/\d+`)

// Gate memoizes the in-scope decision per location. The cache invalidates on
// every location change and is force-invalidated on the sweep cadence to
// tolerate landmarks that render after navigation.
type Gate struct {
	lastLocation string
	cached       bool
	valid        bool
}

func NewGate() *Gate {
	return &Gate{}
}

// InScope reports whether the view at loc, with the given document, is a
// community view. Results are cached until the location changes or
// Invalidate is called.
func (g *Gate) InScope(loc string, doc *goquery.Document) bool {
	if loc != g.lastLocation {
		g.valid = false
		g.lastLocation = loc
	}
	if g.valid {
		return g.cached
	}
	g.cached = evaluate(loc, doc)
	g.valid = true
	return g.cached
}

// Invalidate drops the memoized decision; the next InScope re-evaluates.
func (g *Gate) Invalidate() {
	g.valid = false
}

// Changed reports whether loc differs from the last evaluated location.
func (g *Gate) Changed(loc string) bool {
	return loc != g.lastLocation
}

func evaluate(loc string, doc *goquery.Document) bool {
	path := pathOf(loc)

	// 1. The path is a community listing itself.
	if strings.HasPrefix(path, communityPathPrefix) {
		return true
	}

	// 2. A single-post view: the post counts as in scope only when a
	// navigation landmark links back to a community.
	if statusPathPattern.MatchString(path) {
		return hasCommunityNavLink(doc)
	}

	// 3. A community indicator inside the main content's header or nav
	// landmarks.
	return hasCommunityIndicator(doc)
}

func pathOf(loc string) string {
	parsed, err := url.Parse(loc)
	if err != nil {
		return loc
	}
	if parsed.Path != "" {
		return parsed.Path
	}
	return loc
}

// hasCommunityNavLink looks through navigation landmarks for a community link
// that is neither a status link nor nested in a post body.
func hasCommunityNavLink(doc *goquery.Document) bool {
	if doc == nil {
		return false
	}
	found := false
	doc.Find("nav a[href], header a[href]").EachWithBreak(func(_ int, anchor *goquery.Selection) bool {
		href, _ := anchor.Attr("href")
		if !strings.Contains(href, communityPathPrefix) {
			return true
		}
		if strings.Contains(href, "/status/") {
			return true
		}
		if anchor.Closest(postBodySelector).Length() > 0 {
			return true
		}
		found = true
		return false
	})
	return found
}

// hasCommunityIndicator searches the main landmark for community markers that
// sit inside header or nav subtrees, skipping post bodies.
func hasCommunityIndicator(doc *goquery.Document) bool {
	if doc == nil {
		return false
	}
	found := false
	doc.Find("main a[href]").EachWithBreak(func(_ int, anchor *goquery.Selection) bool {
		href, _ := anchor.Attr("href")
		if !strings.Contains(href, communityPathPrefix) {
			return true
		}
		if anchor.Closest("header, nav").Length() == 0 {
			return true
		}
		if anchor.Closest(postBodySelector).Length() > 0 {
			return true
		}
		found = true
		return false
	})
	return found
}
