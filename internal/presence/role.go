package presence

import (
	"encoding/json"
	"strings"

	"github.com/openclaw/consult-server-go/internal/model"
)

// Participant is a member of a session's media room as reported by the
// media provider.
type Participant struct {
	Identity string `json:"identity"`
	Metadata string `json:"metadata,omitempty"`
}

// Roster is the pair of actors a session belongs to.
type Roster struct {
	ProviderID  string
	RequesterID string
}

func RosterOf(s *model.Session) Roster {
	return Roster{ProviderID: s.ProviderID, RequesterID: s.RequesterID}
}

var roleAliases = map[string]model.Role{
	"provider":  model.RoleProvider,
	"mechanic":  model.RoleProvider,
	"requester": model.RoleRequester,
	"customer":  model.RoleRequester,
}

// ResolveRole derives a participant's role, trying in order:
//  1. a "role" field in the participant metadata JSON,
//  2. an identity of the form "<role>-<actorId>",
//  3. the identity (or the id embedded in it) matched against the roster.
//
// It returns model.RoleUnknown when none of them apply.
func ResolveRole(p Participant, roster Roster) model.Role {
	if role := roleFromMetadata(p.Metadata); role != model.RoleUnknown {
		return role
	}

	prefix, id, hasPrefix := strings.Cut(p.Identity, "-")
	if hasPrefix {
		if role, ok := roleAliases[strings.ToLower(prefix)]; ok {
			return role
		}
	}

	candidates := []string{p.Identity}
	if hasPrefix {
		candidates = append(candidates, id)
	}
	for _, c := range candidates {
		switch {
		case c == "":
		case c == roster.ProviderID:
			return model.RoleProvider
		case c == roster.RequesterID:
			return model.RoleRequester
		}
	}

	return model.RoleUnknown
}

func roleFromMetadata(metadata string) model.Role {
	if metadata == "" {
		return model.RoleUnknown
	}
	var parsed struct {
		Role string `json:"role"`
	}
	if err := json.Unmarshal([]byte(metadata), &parsed); err != nil {
		return model.RoleUnknown
	}
	if role, ok := roleAliases[strings.ToLower(parsed.Role)]; ok {
		return role
	}
	return model.RoleUnknown
}
