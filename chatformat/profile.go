package chatformat

import (
	"encoding/json"
	"strings"

	"github.com/theproxycompany/orchard/orcherr"
)

// ParseControlTokens parses a model's control_tokens.json profile.
func ParseControlTokens(data []byte) (*ControlTokens, error) {
	var ct ControlTokens
	if err := json.Unmarshal(data, &ct); err != nil {
		return nil, orcherr.NewFormatter(orcherr.CodeInvalidConfig, "", "invalid control_tokens.json: "+err.Error())
	}
	if ct.TemplateType == "" {
		return nil, orcherr.NewFormatter(orcherr.CodeInvalidConfig, "", "control_tokens.json missing template_type")
	}
	return &ct, nil
}

// canonicalRoles is the role vocabulary a profile may advertise.
var canonicalRoles = map[string]struct{}{
	"system": {},
	"agent":  {},
	"user":   {},
	"tool":   {},
}

// NormalizeRole maps a caller-supplied role name to the canonical set
// a profile advertises: assistant/model → agent, developer → system,
// an empty role → user, anything else is lower-cased and passed
// through (the renderer silently ignores a normalized role absent
// from the profile's role map). The known set is not consulted: the
// mapping is the same whatever set is passed.
func NormalizeRole(role string, known map[string]struct{}) string {
	if role == "" {
		return "user"
	}
	lower := strings.ToLower(role)
	switch lower {
	case "assistant", "model":
		return "agent"
	case "developer":
		return "system"
	default:
		return lower
	}
}

// KnownRoles returns the set of canonical roles, for callers that want
// to pass a standard set to NormalizeRole.
func KnownRoles() map[string]struct{} {
	out := make(map[string]struct{}, len(canonicalRoles))
	for k := range canonicalRoles {
		out[k] = struct{}{}
	}
	return out
}
