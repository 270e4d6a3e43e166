// Package identity extracts a user handle from the volatile markup around a
// candidate node. The host page offers no stable identifiers, so resolution
// is a chain of heuristics tried in order; a miss is a skip, never a fault.
package identity

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// nameContainerSelector marks the host's username cluster inside a post.
const nameContainerSelector = `[data-testid="User-Name"]`

// reservedSegments are first path segments that can never be a handle.
var reservedSegments = map[string]bool{
	"home":    true,
	"explore": true,
	"search":  true,
	"i":       true,
}

var handlePattern = regexp.MustCompile(`@([A-Za-z0-9_]{1,15})\b`)
var validHandle = regexp.MustCompile(`^[A-Za-z0-9_]{1,15}$`)

// maxAncestorDepth bounds the last-resort upward walk.
const maxAncestorDepth = 10

// Strategy inspects a node and either yields a handle or passes.
type Strategy func(*goquery.Selection) (string, bool)

// Chain tries strategies in order and short-circuits on the first hit.
func Chain(strategies ...Strategy) Strategy {
	return func(sel *goquery.Selection) (string, bool) {
		for _, strategy := range strategies {
			if handle, ok := strategy(sel); ok {
				return handle, true
			}
		}
		return "", false
	}
}

var defaultChain = Chain(
	fromNameContainer,
	fromEnclosingLink,
	fromHandleText,
	fromAncestorLinks,
)

// Resolve extracts a handle from the node or reports false when no strategy
// applies. Callers treat false as "skip, not applicable".
func Resolve(sel *goquery.Selection) (string, bool) {
	if sel == nil || sel.Length() == 0 {
		return "", false
	}
	return defaultChain(sel)
}

// fromNameContainer finds the nearest name container (ancestor first, then
// descendant) and reads its first link's path segment.
func fromNameContainer(sel *goquery.Selection) (string, bool) {
	container := sel.Closest(nameContainerSelector)
	if container.Length() == 0 {
		container = sel.Find(nameContainerSelector).First()
	}
	if container.Length() == 0 {
		return "", false
	}
	href, ok := container.Find("a[href]").First().Attr("href")
	if !ok {
		return "", false
	}
	return handleFromPath(href)
}

// fromEnclosingLink walks to the nearest enclosing anchor of any kind.
func fromEnclosingLink(sel *goquery.Selection) (string, bool) {
	anchor := sel.Closest("a[href]")
	if anchor.Length() == 0 {
		return "", false
	}
	href, _ := anchor.Attr("href")
	return handleFromPath(href)
}

// fromHandleText matches an @handle token directly in the node's text.
func fromHandleText(sel *goquery.Selection) (string, bool) {
	match := handlePattern.FindStringSubmatch(sel.Text())
	if match == nil {
		return "", false
	}
	return match[1], true
}

// fromAncestorLinks walks ancestors looking for any anchor with a usable
// path, bounded so a miss stays cheap.
func fromAncestorLinks(sel *goquery.Selection) (string, bool) {
	node := sel.Parent()
	for depth := 0; depth < maxAncestorDepth && node.Length() > 0; depth++ {
		var found string
		node.Find("a[href]").EachWithBreak(func(_ int, anchor *goquery.Selection) bool {
			href, _ := anchor.Attr("href")
			if handle, ok := handleFromPath(href); ok {
				found = handle
				return false
			}
			return true
		})
		if found != "" {
			return found, true
		}
		node = node.Parent()
	}
	return "", false
}

// handleFromPath reads the first path segment of a profile-style href,
// rejecting reserved segments and anything that cannot be a handle.
func handleFromPath(href string) (string, bool) {
	parsed, err := url.Parse(href)
	if err != nil {
		return "", false
	}
	path := strings.Trim(parsed.Path, "/")
	if path == "" {
		return "", false
	}
	segment := path
	if idx := strings.IndexByte(path, '/'); idx >= 0 {
		segment = path[:idx]
	}
	segment = strings.TrimPrefix(segment, "@")
	if reservedSegments[strings.ToLower(segment)] {
		return "", false
	}
	if !validHandle.MatchString(segment) {
		return "", false
	}
	return segment, true
}
