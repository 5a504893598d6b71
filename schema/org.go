package schema

// TeamSummary is the public view of a team shared with admin agents.
type TeamSummary struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
}

// OrgContext is the organization role resolved for a tenant.
// A zero OrgContext means personal mode.
type OrgContext struct {
	OrgName     string        `json:"orgName"`
	IsAdmin     bool          `json:"isAdmin"`
	TeamID      string        `json:"teamId,omitempty"`
	TeamName    string        `json:"teamName,omitempty"`
	TeamEmail   string        `json:"teamEmail,omitempty"`
	Model       string        `json:"-"`
	AllTeams    []TeamSummary `json:"allTeams,omitempty"`
	Credentials []VolumeMount `json:"-"`
}

// Active reports whether the tenant has an organization role.
func (c OrgContext) Active() bool {
	return c.IsAdmin || c.TeamID != ""
}

// TeamIDs returns the ids of every team visible to the context.
func (c OrgContext) TeamIDs() []string {
	if len(c.AllTeams) == 0 {
		return nil
	}
	ids := make([]string, 0, len(c.AllTeams))
	for _, team := range c.AllTeams {
		ids = append(ids, team.ID)
	}
	return ids
}
