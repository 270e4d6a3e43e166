// Package ledger maintains the persisted violation ledger: moderator-defined
// rules, marked users with per-rule violation counts, and the scalar settings
// the overlay engine renders from.
package ledger

import (
	"strings"
	"time"

	"sentinel/agent/internal/util"
)

// Rule is a moderator-defined community rule. IDs are opaque strings; rules
// created through the API get random hex ids, imported rules keep whatever id
// they arrived with.
type Rule struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Color     string `json:"color"`
	CreatedAt int64  `json:"createdAt"`
}

// ViolationEntry counts violations of one rule by one user. Timestamps are
// Unix milliseconds throughout the ledger, matching the wire format the
// management UI speaks.
type ViolationEntry struct {
	Count          int   `json:"count"`
	FirstTimestamp int64 `json:"firstTimestamp"`
}

// MarkedUser is a user with at least one recorded violation. A MarkedUser
// whose Rules map is empty must not exist in the ledger; it is deleted, not
// left empty.
type MarkedUser struct {
	Identity      string                    `json:"identity"`
	Rules         map[string]ViolationEntry `json:"rules"`
	LastTimestamp int64                     `json:"lastTimestamp"`
	Note          string                    `json:"note,omitempty"`
}

// Settings are the scalar flags persisted alongside the ledger.
type Settings struct {
	ShowLabels           bool `json:"showLabels"`
	NotificationsEnabled bool `json:"notificationsEnabled"`
}

// DefaultSettings is what a fresh install starts with.
func DefaultSettings() Settings {
	return Settings{ShowLabels: true, NotificationsEnabled: false}
}

// Snapshot is the full persisted state, used for import, export, journaling
// and backup.
type Snapshot struct {
	Rules    []Rule                `json:"rules"`
	Users    map[string]MarkedUser `json:"markedUsers"`
	Settings Settings              `json:"settings"`
}

// CanonicalIdentity normalizes a handle into the ledger key form: trimmed,
// leading @ stripped, lowercased. Identity equality is case-insensitive.
func CanonicalIdentity(handle string) string {
	handle = strings.TrimSpace(handle)
	handle = strings.TrimPrefix(handle, "@")
	return strings.ToLower(handle)
}

// TotalViolations sums counts across all rules.
func (u MarkedUser) TotalViolations() int {
	total := 0
	for _, entry := range u.Rules {
		total += entry.Count
	}
	return total
}

// FirstTimestamp is the earliest first-seen time across the user's rules, or
// zero when the user has none.
func (u MarkedUser) FirstTimestamp() int64 {
	var first int64
	for _, entry := range u.Rules {
		if first == 0 || entry.FirstTimestamp < first {
			first = entry.FirstTimestamp
		}
	}
	return first
}

func newRuleID() string {
	return util.NewID("rule")
}

func nowMillis(now func() time.Time) int64 {
	return now().UnixMilli()
}
