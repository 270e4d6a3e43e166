// Package annotate plans label and action-button injection for one resolved
// identity inside one post container. Planning is pure: it inspects a parsed
// copy of the container and emits ops; applying them to the live page is the
// browser layer's job. All ledger-derived text and color passes through the
// sanitizers here, at the render boundary.
package annotate

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

// Position mirrors insertAdjacentHTML positions.
type Position string

const (
	BeforeBegin Position = "beforebegin"
	AfterBegin  Position = "afterbegin"
	BeforeEnd   Position = "beforeend"
)

// Op is one mutation of a container's subtree. Selector is container-relative
// (":scope > ..." form, or empty for the container itself). Remove ops delete
// every match; insert ops add HTML at Position relative to the first match.
type Op struct {
	Remove   bool     `json:"remove,omitempty"`
	Selector string   `json:"selector"`
	Position Position `json:"position,omitempty"`
	HTML     string   `json:"html,omitempty"`
}

// AnnotationSelector matches every node this system injects, page-wide.
const AnnotationSelector = `[data-sentinel-label], [data-sentinel-mark], [data-sentinel-menu]`

// LabelSelector matches injected label groups only.
const LabelSelector = `[data-sentinel-label]`

// relativePath builds a ":scope > tag:nth-child(k) > ..." selector addressing
// target inside container. Both live-DOM querySelector and the parsed copy
// resolve it identically because it is pure structure.
func relativePath(container, target *goquery.Selection) (string, bool) {
	if container.Length() == 0 || target.Length() == 0 {
		return "", false
	}
	root := container.Nodes[0]
	node := target.Nodes[0]
	if node == root {
		return "", true
	}

	var segments []string
	for node != nil && node != root {
		parent := node.Parent
		if parent == nil {
			return "", false
		}
		index := 1
		for sibling := parent.FirstChild; sibling != nil && sibling != node; sibling = sibling.NextSibling {
			if sibling.Type == html.ElementNode {
				index++
			}
		}
		segments = append([]string{fmt.Sprintf("%s:nth-child(%d)", node.Data, index)}, segments...)
		node = parent
	}
	if node != root {
		return "", false
	}
	return ":scope > " + strings.Join(segments, " > "), true
}
