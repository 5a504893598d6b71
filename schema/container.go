package schema

// OutputStatus is the terminal status of a container run.
type OutputStatus string

const (
	// OutputSuccess marks a run that produced a parsed result.
	OutputSuccess OutputStatus = "success"
	// OutputError marks a failed run.
	OutputError OutputStatus = "error"
)

// ContainerInput is the invocation written to the agent's stdin.
type ContainerInput struct {
	Prompt          string      `json:"prompt"`
	SessionID       SessionID   `json:"sessionId,omitempty"`
	GroupFolder     GroupFolder `json:"groupFolder"`
	ChatJID         ChatJID     `json:"chatJid"`
	IsMain          bool        `json:"isMain"`
	IsScheduledTask bool        `json:"isScheduledTask,omitempty"`
	IsAdmin         bool        `json:"isAdmin,omitempty"`
	TeamID          string      `json:"teamId,omitempty"`
	OrgTeamIDs      []string    `json:"orgTeamIds,omitempty"`
	TeamEmail       string      `json:"teamEmail,omitempty"`
}

// ContainerOutput is the result of a container run.
type ContainerOutput struct {
	Status       OutputStatus `json:"status"`
	Result       *string      `json:"result"`
	NewSessionID SessionID    `json:"newSessionId,omitempty"`
	Error        string       `json:"error,omitempty"`
}

// ResultText returns the result or an empty string.
func (o ContainerOutput) ResultText() string {
	if o.Result == nil {
		return ""
	}
	return *o.Result
}

// Output sentinel lines bracketing the JSON result on stdout.
const (
	OutputStartMarker = "---NANOCLAW_OUTPUT_START---"
	OutputEndMarker   = "---NANOCLAW_OUTPUT_END---"
)
