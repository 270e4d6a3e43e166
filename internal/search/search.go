// Package search lets the management UI find marked users by handle, note or
// violated rule name. Meilisearch serves queries when configured and healthy;
// otherwise a direct ledger scan answers, slower but always available.
package search

import (
	"context"
	"strings"

	"sentinel/agent/internal/ledger"
)

// Result is one marked user as the management UI sees it in search output.
type Result struct {
	Identity        string   `json:"identity"`
	Note            string   `json:"note,omitempty"`
	RuleNames       []string `json:"ruleNames"`
	TotalViolations int      `json:"totalViolations"`
	LastTimestamp   int64    `json:"lastTimestamp"`
}

// Query is a free-text search with an optional cap.
type Query struct {
	Text  string
	Limit int
}

// Ledger is the slice of the ledger service the fallback scan needs.
type Ledger interface {
	Users(ctx context.Context) (map[string]ledger.MarkedUser, error)
	Rules(ctx context.Context) ([]ledger.Rule, error)
}

func resultFor(user ledger.MarkedUser, rulesByID map[string]ledger.Rule) Result {
	names := make([]string, 0, len(user.Rules))
	for id := range user.Rules {
		if rule, ok := rulesByID[id]; ok {
			names = append(names, rule.Name)
		} else {
			names = append(names, "Unknown")
		}
	}
	return Result{
		Identity:        user.Identity,
		Note:            user.Note,
		RuleNames:       names,
		TotalViolations: user.TotalViolations(),
		LastTimestamp:   user.LastTimestamp,
	}
}

func matches(result Result, text string) bool {
	if text == "" {
		return true
	}
	needle := strings.ToLower(text)
	if strings.Contains(result.Identity, needle) {
		return true
	}
	if strings.Contains(strings.ToLower(result.Note), needle) {
		return true
	}
	for _, name := range result.RuleNames {
		if strings.Contains(strings.ToLower(name), needle) {
			return true
		}
	}
	return false
}
