package search

import (
	"context"
	"log"
	"sort"

	"sentinel/agent/internal/ledger"
)

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Service is the facade that tries Meilisearch first and falls back to a
// direct scan of the ledger. It satisfies ledger.Indexer.
type Service struct {
	meili  *Meili
	ledger Ledger
}

// NewService creates a search service. meili may be nil if Meilisearch is not
// configured.
func NewService(meili *Meili, lg Ledger) *Service {
	return &Service{meili: meili, ledger: lg}
}

// Search tries Meilisearch if healthy, otherwise scans the ledger.
func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		log.Printf("search: meilisearch error, falling back to ledger scan: %v", err)
	}

	results, err := s.scan(ctx, q)
	if err != nil {
		log.Printf("search: ledger scan: %v", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: len(results), Query: q.Text}
}

// scan matches the query against every marked user's identity, note and rule
// names. Results come back newest activity first.
func (s *Service) scan(ctx context.Context, q Query) ([]Result, error) {
	users, err := s.ledger.Users(ctx)
	if err != nil {
		return nil, err
	}
	rules, err := s.ledger.Rules(ctx)
	if err != nil {
		return nil, err
	}
	rulesByID := make(map[string]ledger.Rule, len(rules))
	for _, rule := range rules {
		rulesByID[rule.ID] = rule
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}

	var results []Result
	for _, user := range users {
		r := resultFor(user, rulesByID)
		if matches(r, q.Text) {
			results = append(results, r)
		}
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].LastTimestamp != results[j].LastTimestamp {
			return results[i].LastTimestamp > results[j].LastTimestamp
		}
		return results[i].Identity < results[j].Identity
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// IndexUser pushes one user into Meilisearch, fire-and-forget.
func (s *Service) IndexUser(user ledger.MarkedUser, rules []ledger.Rule) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexUser(user, rules); err != nil {
			log.Printf("search: index user %s: %v", user.Identity, err)
		}
	}()
}

// DeleteUser removes one user from Meilisearch, fire-and-forget.
func (s *Service) DeleteUser(identity string) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeleteUser(identity); err != nil {
			log.Printf("search: delete user %s: %v", identity, err)
		}
	}()
}

// ReindexAll rebuilds the Meilisearch index from the ledger. Called at
// startup and after a wholesale import.
func (s *Service) ReindexAll(ctx context.Context) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	users, err := s.ledger.Users(ctx)
	if err != nil {
		log.Printf("search: reindex load users: %v", err)
		return
	}
	rules, err := s.ledger.Rules(ctx)
	if err != nil {
		log.Printf("search: reindex load rules: %v", err)
		return
	}
	if err := s.meili.IndexUsers(users, rules); err != nil {
		log.Printf("search: reindex users: %v", err)
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
