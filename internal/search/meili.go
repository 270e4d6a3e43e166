package search

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"

	"sentinel/agent/internal/ledger"
)

const idxUsers = "sentinel_users"

// document is the shape pushed into the Meilisearch index. Identity doubles
// as the primary key, so re-indexing a user overwrites the previous version.
type document struct {
	Identity        string   `json:"identity"`
	Note            string   `json:"note"`
	RuleNames       []string `json:"ruleNames"`
	TotalViolations int      `json:"totalViolations"`
	LastTimestamp   int64    `json:"lastTimestamp"`
}

// Meili indexes and searches marked users via Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili creates a Meilisearch client and configures the users index. The
// caller should proceed without search if the server never becomes reachable;
// a background loop keeps probing and reconfigures on recovery.
func NewMeili(url, apiKey string) *Meili {
	client := meili.New(url, meili.WithAPIKey(apiKey))

	m := &Meili{
		client: client,
		done:   make(chan struct{}),
	}

	if _, err := client.Health(); err != nil {
		log.Printf("search: meilisearch unavailable at %s: %v", url, err)
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{
		Uid:        idxUsers,
		PrimaryKey: "identity",
	}); err != nil {
		log.Printf("search: create index %s (may already exist): %v", idxUsers, err)
	}

	index := m.client.Index(idxUsers)
	searchable := []string{"identity", "note", "ruleNames"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		log.Printf("search: update searchable attrs for %s: %v", idxUsers, err)
	}
	sortable := []string{"lastTimestamp", "totalViolations"}
	if _, err := index.UpdateSortableAttributes(&sortable); err != nil {
		log.Printf("search: update sortable attrs for %s: %v", idxUsers, err)
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				log.Println("search: meilisearch recovered, reconfiguring index")
				m.configureIndex()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

// Healthy reports whether Meilisearch is reachable.
func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

// Search queries the users index.
func (m *Meili) Search(q Query) ([]Result, int, error) {
	if !m.healthy.Load() {
		return nil, 0, fmt.Errorf("meilisearch unhealthy")
	}

	limit := int64(q.Limit)
	if limit <= 0 {
		limit = 20
	}

	resp, err := m.client.Index(idxUsers).Search(q.Text, &meili.SearchRequest{
		Limit: limit,
		Sort:  []string{"lastTimestamp:desc"},
	})
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch search: %w", err)
	}

	results := make([]Result, 0, len(resp.Hits))
	for _, hit := range resp.Hits {
		results = append(results, hitToResult(hit))
	}
	return results, int(resp.EstimatedTotalHits), nil
}

func hitToResult(hit meili.Hit) Result {
	return Result{
		Identity:        decodeString(hit, "identity"),
		Note:            decodeString(hit, "note"),
		RuleNames:       decodeStrings(hit, "ruleNames"),
		TotalViolations: decodeInt(hit, "totalViolations"),
		LastTimestamp:   int64(decodeFloat(hit, "lastTimestamp")),
	}
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

func decodeStrings(hit meili.Hit, key string) []string {
	raw, ok := hit[key]
	if !ok {
		return nil
	}
	var values []string
	if err := json.Unmarshal(raw, &values); err == nil {
		return values
	}
	return nil
}

func decodeFloat(hit meili.Hit, key string) float64 {
	raw, ok := hit[key]
	if !ok {
		return 0
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f
	}
	return 0
}

func decodeInt(hit meili.Hit, key string) int {
	return int(decodeFloat(hit, key))
}

// IndexUser adds or updates one user document.
func (m *Meili) IndexUser(user ledger.MarkedUser, rules []ledger.Rule) error {
	rulesByID := make(map[string]ledger.Rule, len(rules))
	for _, rule := range rules {
		rulesByID[rule.ID] = rule
	}
	r := resultFor(user, rulesByID)
	doc := document{
		Identity:        strings.ToLower(r.Identity),
		Note:            r.Note,
		RuleNames:       r.RuleNames,
		TotalViolations: r.TotalViolations,
		LastTimestamp:   r.LastTimestamp,
	}
	_, err := m.client.Index(idxUsers).AddDocuments([]document{doc}, nil)
	return err
}

// DeleteUser removes a user document.
func (m *Meili) DeleteUser(identity string) error {
	_, err := m.client.Index(idxUsers).DeleteDocument(strings.ToLower(identity), nil)
	return err
}

// IndexUsers bulk-indexes users, used when rebuilding the index after an
// import or a Meilisearch recovery.
func (m *Meili) IndexUsers(users map[string]ledger.MarkedUser, rules []ledger.Rule) error {
	if len(users) == 0 {
		return nil
	}
	rulesByID := make(map[string]ledger.Rule, len(rules))
	for _, rule := range rules {
		rulesByID[rule.ID] = rule
	}
	docs := make([]document, 0, len(users))
	for _, user := range users {
		r := resultFor(user, rulesByID)
		docs = append(docs, document{
			Identity:        strings.ToLower(r.Identity),
			Note:            r.Note,
			RuleNames:       r.RuleNames,
			TotalViolations: r.TotalViolations,
			LastTimestamp:   r.LastTimestamp,
		})
	}
	_, err := m.client.Index(idxUsers).AddDocuments(docs, nil)
	return err
}
