package browser

// EventType classifies reports coming out of the page.
type EventType string

const (
	// EventContainer is a newly added candidate container.
	EventContainer EventType = "container"
	// EventNavigated is an SPA location change.
	EventNavigated EventType = "navigated"
	// EventMarkClick is a click on an injected action button.
	EventMarkClick EventType = "markclick"
	// EventQuickMark is a rule selection in the quick-mark menu.
	EventQuickMark EventType = "quickmark"
)

// Event is one report from the page. Fields are populated per type.
type Event struct {
	Type        EventType `json:"type"`
	ContainerID string    `json:"cid,omitempty"`
	HTML        string    `json:"html,omitempty"`
	Location    string    `json:"location,omitempty"`
	Username    string    `json:"username,omitempty"`
	RuleID      string    `json:"ruleId,omitempty"`
}
