package alert

// VisibilityType names the scope an alert targets.
type VisibilityType string

const (
	VisibilityOrganization VisibilityType = "organization"
	VisibilityTeam         VisibilityType = "team"
	VisibilityUser         VisibilityType = "user"
)

func (v VisibilityType) Valid() bool {
	return v == VisibilityOrganization || v == VisibilityTeam || v == VisibilityUser
}

// Visibility is the recipient scope of an alert. TargetIDs is treated as a
// set. Organization scope may carry no target ids, which means every
// organization; team and user scopes require at least one id.
type Visibility struct {
	Type      VisibilityType `json:"type"`
	TargetIDs []string       `json:"target_ids,omitempty"`
}

// normalized returns a copy with duplicate and empty target ids removed,
// preserving first-seen order.
func (v Visibility) normalized() Visibility {
	if len(v.TargetIDs) == 0 {
		return v
	}
	seen := make(map[string]struct{}, len(v.TargetIDs))
	ids := make([]string, 0, len(v.TargetIDs))
	for _, id := range v.TargetIDs {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	v.TargetIDs = ids
	return v
}

func (v Visibility) validate() error {
	if !v.Type.Valid() {
		return &ValidationError{Field: "visibility.type", Rule: "must be one of organization, team, user"}
	}
	if v.Type != VisibilityOrganization && len(v.TargetIDs) == 0 {
		return &ValidationError{Field: "visibility.target_ids", Rule: "must not be empty for team and user scopes"}
	}
	for _, id := range v.TargetIDs {
		if id == "" {
			return &ValidationError{Field: "visibility.target_ids", Rule: "must not contain empty ids"}
		}
	}
	return nil
}

// Candidate is the identity triple a visibility scope is evaluated against.
type Candidate struct {
	UserID         string
	TeamID         string
	OrganizationID string
}

// Matches reports whether the candidate is an eligible recipient of an
// alert with the given visibility. Pure predicate, no side effects.
func Matches(v Visibility, c Candidate) bool {
	switch v.Type {
	case VisibilityOrganization:
		if len(v.TargetIDs) == 0 {
			return true
		}
		return containsID(v.TargetIDs, c.OrganizationID)
	case VisibilityTeam:
		return containsID(v.TargetIDs, c.TeamID)
	case VisibilityUser:
		return containsID(v.TargetIDs, c.UserID)
	default:
		return false
	}
}

func containsID(ids []string, id string) bool {
	if id == "" {
		return false
	}
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
