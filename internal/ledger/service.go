package ledger

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"sentinel/agent/internal/sanitize"
)

var (
	// ErrConflict is returned by stores when an optimistic write loses a race.
	ErrConflict = errors.New("ledger: concurrent modification")
	// ErrRuleNotFound is returned when an operation names an unknown rule.
	ErrRuleNotFound = errors.New("ledger: rule not found")
	// ErrRuleInUse refuses rule deletion while any marked user references it.
	ErrRuleInUse = errors.New("ledger: rule referenced by marked users")
	// ErrUserNotFound is returned when an operation names an unmarked user.
	ErrUserNotFound = errors.New("ledger: user not found")
	// ErrInvalidImport rejects a malformed snapshot before any write happens.
	ErrInvalidImport = errors.New("ledger: invalid import")
)

// writeRetries bounds the optimistic-concurrency retry loop.
const writeRetries = 3

// Store is the persistence boundary. LoadUser reports the record's version;
// SaveUser and DeleteUser fail with ErrConflict when the version no longer
// matches. Version 0 on SaveUser means "create, fail if present".
type Store interface {
	LoadUser(ctx context.Context, identity string) (MarkedUser, uint64, bool, error)
	SaveUser(ctx context.Context, user MarkedUser, version uint64) error
	DeleteUser(ctx context.Context, identity string, version uint64) error
	LoadUsers(ctx context.Context) (map[string]MarkedUser, error)
	LoadRules(ctx context.Context) ([]Rule, error)
	SaveRules(ctx context.Context, rules []Rule) error
	LoadSettings(ctx context.Context) (Settings, error)
	SaveSettings(ctx context.Context, settings Settings) error
	ReplaceAll(ctx context.Context, snapshot Snapshot) error
}

// Event describes one ledger mutation for the archive.
type Event struct {
	Identity string
	RuleID   string
	Action   string // "add", "remove", "remove_user", "import"
	Count    int
	At       int64
}

// Recorder receives mutation events, best-effort.
type Recorder interface {
	RecordEvent(ctx context.Context, event Event) error
}

// Indexer keeps a search index in step with the ledger, best-effort.
type Indexer interface {
	IndexUser(user MarkedUser, rules []Rule)
	DeleteUser(identity string)
	ReindexAll(ctx context.Context)
}

// Journaler persists snapshots after mutations, best-effort.
type Journaler interface {
	Record(ctx context.Context, snapshot Snapshot) error
}

// Hooks are the optional collaborators notified after successful writes. Any
// field may be nil.
type Hooks struct {
	Recorder  Recorder
	Indexer   Indexer
	Journaler Journaler
}

// Service implements the violation ledger operations over a Store.
type Service struct {
	store Store
	hooks Hooks
	now   func() time.Time
}

func New(store Store, hooks Hooks) *Service {
	return NewWithClock(store, hooks, time.Now)
}

// NewWithClock injects the clock for deterministic tests.
func NewWithClock(store Store, hooks Hooks, now func() time.Time) *Service {
	return &Service{store: store, hooks: hooks, now: now}
}

// AddViolation records one violation of ruleID by identity, creating the
// marked user on first write. The read-modify-write is retried on version
// conflict.
func (s *Service) AddViolation(ctx context.Context, identity, ruleID string) (MarkedUser, error) {
	id := CanonicalIdentity(identity)
	if id == "" {
		return MarkedUser{}, fmt.Errorf("empty identity")
	}
	if err := s.requireRule(ctx, ruleID); err != nil {
		return MarkedUser{}, err
	}

	var result MarkedUser
	err := s.retry(func() error {
		user, version, found, err := s.store.LoadUser(ctx, id)
		if err != nil {
			return fmt.Errorf("load user %s: %w", id, err)
		}
		if !found {
			user = MarkedUser{Identity: id, Rules: map[string]ViolationEntry{}}
		}
		now := nowMillis(s.now)
		entry, ok := user.Rules[ruleID]
		if !ok {
			entry = ViolationEntry{Count: 1, FirstTimestamp: now}
		} else {
			entry.Count++
		}
		user.Rules[ruleID] = entry
		user.LastTimestamp = now
		if err := s.store.SaveUser(ctx, user, version); err != nil {
			return err
		}
		result = user
		return nil
	})
	if err != nil {
		return MarkedUser{}, err
	}
	s.afterWrite(Event{Identity: id, RuleID: ruleID, Action: "add", Count: result.Rules[ruleID].Count, At: result.LastTimestamp}, &result)
	return result, nil
}

// RemoveViolation undoes one violation. When the rule's count reaches zero the
// rule entry goes away; when no rule entries remain the user is deleted
// outright and deleted=true is returned.
func (s *Service) RemoveViolation(ctx context.Context, identity, ruleID string) (user MarkedUser, deleted bool, err error) {
	id := CanonicalIdentity(identity)
	err = s.retry(func() error {
		loaded, version, found, loadErr := s.store.LoadUser(ctx, id)
		if loadErr != nil {
			return fmt.Errorf("load user %s: %w", id, loadErr)
		}
		if !found {
			return ErrUserNotFound
		}
		entry, ok := loaded.Rules[ruleID]
		if !ok {
			return ErrRuleNotFound
		}
		entry.Count--
		if entry.Count <= 0 {
			delete(loaded.Rules, ruleID)
		} else {
			loaded.Rules[ruleID] = entry
		}
		if len(loaded.Rules) == 0 {
			if delErr := s.store.DeleteUser(ctx, id, version); delErr != nil {
				return delErr
			}
			deleted = true
			user = MarkedUser{}
			return nil
		}
		var last int64
		for _, e := range loaded.Rules {
			if e.FirstTimestamp > last {
				last = e.FirstTimestamp
			}
		}
		loaded.LastTimestamp = last
		if saveErr := s.store.SaveUser(ctx, loaded, version); saveErr != nil {
			return saveErr
		}
		deleted = false
		user = loaded
		return nil
	})
	if err != nil {
		return MarkedUser{}, false, err
	}
	event := Event{Identity: id, RuleID: ruleID, Action: "remove", At: nowMillis(s.now)}
	if deleted {
		s.afterWrite(event, nil)
	} else {
		s.afterWrite(event, &user)
	}
	return user, deleted, nil
}

// RemoveUser deletes a marked user unconditionally. Removing an absent user
// is not an error.
func (s *Service) RemoveUser(ctx context.Context, identity string) error {
	id := CanonicalIdentity(identity)
	err := s.retry(func() error {
		_, version, found, loadErr := s.store.LoadUser(ctx, id)
		if loadErr != nil {
			return fmt.Errorf("load user %s: %w", id, loadErr)
		}
		if !found {
			return nil
		}
		return s.store.DeleteUser(ctx, id, version)
	})
	if err != nil {
		return err
	}
	s.afterWrite(Event{Identity: id, Action: "remove_user", At: nowMillis(s.now)}, nil)
	return nil
}

// SetNote attaches or replaces the free-form note on a marked user.
func (s *Service) SetNote(ctx context.Context, identity, note string) (MarkedUser, error) {
	id := CanonicalIdentity(identity)
	var result MarkedUser
	err := s.retry(func() error {
		user, version, found, loadErr := s.store.LoadUser(ctx, id)
		if loadErr != nil {
			return fmt.Errorf("load user %s: %w", id, loadErr)
		}
		if !found {
			return ErrUserNotFound
		}
		user.Note = note
		if saveErr := s.store.SaveUser(ctx, user, version); saveErr != nil {
			return saveErr
		}
		result = user
		return nil
	})
	if err != nil {
		return MarkedUser{}, err
	}
	s.indexUser(result)
	return result, nil
}

// User loads one marked user.
func (s *Service) User(ctx context.Context, identity string) (MarkedUser, bool, error) {
	user, _, found, err := s.store.LoadUser(ctx, CanonicalIdentity(identity))
	return user, found, err
}

// Users loads the full marked-user map.
func (s *Service) Users(ctx context.Context) (map[string]MarkedUser, error) {
	return s.store.LoadUsers(ctx)
}

// Rules loads the rule list in stored order.
func (s *Service) Rules(ctx context.Context) ([]Rule, error) {
	return s.store.LoadRules(ctx)
}

// CreateRule adds a rule with a generated id. The color is validated and
// defaulted before it is stored.
func (s *Service) CreateRule(ctx context.Context, name, color string) (Rule, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Rule{}, fmt.Errorf("empty rule name")
	}
	rules, err := s.store.LoadRules(ctx)
	if err != nil {
		return Rule{}, fmt.Errorf("load rules: %w", err)
	}
	rule := Rule{
		ID:        newRuleID(),
		Name:      name,
		Color:     sanitize.ValidateColor(color),
		CreatedAt: nowMillis(s.now),
	}
	rules = append(rules, rule)
	if err := s.store.SaveRules(ctx, rules); err != nil {
		return Rule{}, fmt.Errorf("save rules: %w", err)
	}
	return rule, nil
}

// UpdateRule renames or recolors an existing rule.
func (s *Service) UpdateRule(ctx context.Context, id, name, color string) (Rule, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Rule{}, fmt.Errorf("empty rule name")
	}
	rules, err := s.store.LoadRules(ctx)
	if err != nil {
		return Rule{}, fmt.Errorf("load rules: %w", err)
	}
	for i := range rules {
		if rules[i].ID != id {
			continue
		}
		rules[i].Name = name
		rules[i].Color = sanitize.ValidateColor(color)
		if err := s.store.SaveRules(ctx, rules); err != nil {
			return Rule{}, fmt.Errorf("save rules: %w", err)
		}
		return rules[i], nil
	}
	return Rule{}, ErrRuleNotFound
}

// DeleteRule removes a rule, refusing with ErrRuleInUse while any marked user
// still references it. The guard lives here, not in the store.
func (s *Service) DeleteRule(ctx context.Context, id string) error {
	users, err := s.store.LoadUsers(ctx)
	if err != nil {
		return fmt.Errorf("load users: %w", err)
	}
	for _, user := range users {
		if _, ok := user.Rules[id]; ok {
			return fmt.Errorf("%w: %s", ErrRuleInUse, id)
		}
	}
	rules, err := s.store.LoadRules(ctx)
	if err != nil {
		return fmt.Errorf("load rules: %w", err)
	}
	kept := rules[:0]
	found := false
	for _, rule := range rules {
		if rule.ID == id {
			found = true
			continue
		}
		kept = append(kept, rule)
	}
	if !found {
		return ErrRuleNotFound
	}
	return s.store.SaveRules(ctx, kept)
}

// Settings loads the persisted flags, defaulting on a missing record.
func (s *Service) Settings(ctx context.Context) (Settings, error) {
	return s.store.LoadSettings(ctx)
}

// SaveSettings persists the flags.
func (s *Service) SaveSettings(ctx context.Context, settings Settings) error {
	return s.store.SaveSettings(ctx, settings)
}

// Export returns the full state for export, journaling and backup.
func (s *Service) Export(ctx context.Context) (Snapshot, error) {
	rules, err := s.store.LoadRules(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("load rules: %w", err)
	}
	users, err := s.store.LoadUsers(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("load users: %w", err)
	}
	settings, err := s.store.LoadSettings(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("load settings: %w", err)
	}
	return Snapshot{Rules: rules, Users: users, Settings: settings}, nil
}

// Import replaces the full state with a snapshot. The snapshot is validated
// wholesale before any write; a malformed snapshot leaves the ledger
// untouched.
func (s *Service) Import(ctx context.Context, snapshot Snapshot) error {
	cleaned, err := validateSnapshot(snapshot)
	if err != nil {
		return err
	}
	if err := s.store.ReplaceAll(ctx, cleaned); err != nil {
		return fmt.Errorf("replace state: %w", err)
	}
	s.afterWrite(Event{Action: "import", At: nowMillis(s.now)}, nil)
	return nil
}

func validateSnapshot(snapshot Snapshot) (Snapshot, error) {
	seen := map[string]bool{}
	for i, rule := range snapshot.Rules {
		if strings.TrimSpace(rule.ID) == "" {
			return Snapshot{}, fmt.Errorf("%w: rule %d has empty id", ErrInvalidImport, i)
		}
		if seen[rule.ID] {
			return Snapshot{}, fmt.Errorf("%w: duplicate rule id %s", ErrInvalidImport, rule.ID)
		}
		seen[rule.ID] = true
		if strings.TrimSpace(rule.Name) == "" {
			return Snapshot{}, fmt.Errorf("%w: rule %s has empty name", ErrInvalidImport, rule.ID)
		}
		snapshot.Rules[i].Color = sanitize.ValidateColor(rule.Color)
	}

	users := make(map[string]MarkedUser, len(snapshot.Users))
	for key, user := range snapshot.Users {
		id := CanonicalIdentity(key)
		if id == "" {
			return Snapshot{}, fmt.Errorf("%w: empty identity key", ErrInvalidImport)
		}
		if _, dup := users[id]; dup {
			return Snapshot{}, fmt.Errorf("%w: identities %q collide after normalization", ErrInvalidImport, key)
		}
		migrated := migrateStored(id, storedUser{
			Rules:         user.Rules,
			LastTimestamp: user.LastTimestamp,
			Note:          user.Note,
		})
		if len(migrated.Rules) == 0 {
			return Snapshot{}, fmt.Errorf("%w: user %s has no violations", ErrInvalidImport, id)
		}
		for ruleID, entry := range migrated.Rules {
			if entry.Count < 1 {
				return Snapshot{}, fmt.Errorf("%w: user %s rule %s has count %d", ErrInvalidImport, id, ruleID, entry.Count)
			}
		}
		users[id] = migrated
	}
	snapshot.Users = users
	return snapshot, nil
}

func (s *Service) requireRule(ctx context.Context, ruleID string) error {
	rules, err := s.store.LoadRules(ctx)
	if err != nil {
		return fmt.Errorf("load rules: %w", err)
	}
	for _, rule := range rules {
		if rule.ID == ruleID {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrRuleNotFound, ruleID)
}

func (s *Service) retry(op func() error) error {
	var err error
	for attempt := 0; attempt < writeRetries; attempt++ {
		err = op()
		if !errors.Is(err, ErrConflict) {
			return err
		}
	}
	return err
}

// afterWrite notifies the optional collaborators. Failures are logged and
// never propagate; the ledger write already succeeded.
func (s *Service) afterWrite(event Event, user *MarkedUser) {
	if s.hooks.Recorder != nil {
		go func() {
			if err := s.hooks.Recorder.RecordEvent(context.Background(), event); err != nil {
				log.Printf("ledger: archive event %s/%s: %v", event.Action, event.Identity, err)
			}
		}()
	}
	if user != nil {
		s.indexUser(*user)
	} else if s.hooks.Indexer != nil && event.Identity != "" {
		s.hooks.Indexer.DeleteUser(event.Identity)
	} else if s.hooks.Indexer != nil && event.Action == "import" {
		// A wholesale replace invalidates the whole index.
		go s.hooks.Indexer.ReindexAll(context.Background())
	}
	if s.hooks.Journaler != nil {
		go func() {
			snapshot, err := s.Export(context.Background())
			if err != nil {
				log.Printf("ledger: journal snapshot: %v", err)
				return
			}
			if err := s.hooks.Journaler.Record(context.Background(), snapshot); err != nil {
				log.Printf("ledger: journal commit: %v", err)
			}
		}()
	}
}

func (s *Service) indexUser(user MarkedUser) {
	if s.hooks.Indexer == nil {
		return
	}
	rules, err := s.store.LoadRules(context.Background())
	if err != nil {
		log.Printf("ledger: load rules for index: %v", err)
		rules = nil
	}
	s.hooks.Indexer.IndexUser(user, rules)
}
