package alert

// User is a potential alert recipient as known to the directory.
type User struct {
	ID             string `json:"id"`
	Email          string `json:"email,omitempty"`
	PhoneNumber    string `json:"phone_number,omitempty"`
	Active         bool   `json:"active"`
	TeamID         string `json:"team_id,omitempty"`
	OrganizationID string `json:"organization_id,omitempty"`
}

// Candidate returns the identity triple used for visibility matching.
func (u User) Candidate() Candidate {
	return Candidate{
		UserID:         u.ID,
		TeamID:         u.TeamID,
		OrganizationID: u.OrganizationID,
	}
}
