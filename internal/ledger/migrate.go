package ledger

// storedUser is the on-disk shape of a marked user. It accepts both the
// current rules-map form and the legacy singular form {rule, count, timestamp}
// so that state written by old installs loads without a separate upgrade step.
type storedUser struct {
	Rules         map[string]ViolationEntry `json:"rules,omitempty"`
	LastTimestamp int64                     `json:"lastTimestamp,omitempty"`
	Note          string                    `json:"note,omitempty"`

	// legacy singular shape
	LegacyRule      string `json:"rule,omitempty"`
	LegacyCount     int    `json:"count,omitempty"`
	LegacyTimestamp int64  `json:"timestamp,omitempty"`
}

// migrateStored converts a stored record into the current MarkedUser shape.
// Applying it to an already-migrated record is a no-op: once a rules map
// exists the legacy fields are ignored. Migration never loses data; the
// legacy count and timestamp carry over unchanged.
func migrateStored(identity string, su storedUser) MarkedUser {
	user := MarkedUser{
		Identity:      identity,
		Rules:         su.Rules,
		LastTimestamp: su.LastTimestamp,
		Note:          su.Note,
	}
	if len(user.Rules) == 0 && su.LegacyRule != "" {
		count := su.LegacyCount
		if count < 1 {
			count = 1
		}
		user.Rules = map[string]ViolationEntry{
			su.LegacyRule: {Count: count, FirstTimestamp: su.LegacyTimestamp},
		}
		if user.LastTimestamp == 0 {
			user.LastTimestamp = su.LegacyTimestamp
		}
	}
	if user.Rules == nil {
		user.Rules = map[string]ViolationEntry{}
	}
	return user
}

func toStored(user MarkedUser) storedUser {
	return storedUser{
		Rules:         user.Rules,
		LastTimestamp: user.LastTimestamp,
		Note:          user.Note,
	}
}
