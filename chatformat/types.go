// Package chatformat applies a per-model profile's control tokens and
// role templates to a structured conversation, producing prompt text
// and the layout segments that tie it to the binary wire frame. Its
// shape is a type switch over content parts feeding small, focused
// converters.
package chatformat

// RoleDef names the tags a profile uses to bracket one role's turns.
type RoleDef struct {
	RoleName     string `json:"role_name"`
	RoleStartTag string `json:"role_start_tag"`
	RoleEndTag   string `json:"role_end_tag"`
}

// ControlTokens is a per-model chat template, parsed from the model's
// control_tokens.json profile file.
type ControlTokens struct {
	TemplateType       string             `json:"template_type"`
	BeginOfText        string             `json:"begin_of_text"`
	EndOfMessage       string             `json:"end_of_message"`
	EndOfSequence      string             `json:"end_of_sequence"`
	StartImageToken    string             `json:"start_image_token"`
	EndImageToken      string             `json:"end_image_token"`
	ThinkingStartToken string             `json:"thinking_start_token"`
	ThinkingEndToken   string             `json:"thinking_end_token"`
	CoordPlaceholder   string             `json:"coord_placeholder"`
	ImagePlaceholder   string             `json:"image_placeholder"`
	Capabilities       map[string]string  `json:"capabilities"`
	Roles              map[string]RoleDef `json:"roles"`
}

// defaultImagePlaceholder is used when a profile omits ImagePlaceholder.
const defaultImagePlaceholder = "<|image|>"

// imagePlaceholder returns the configured image placeholder token, or
// the engine default when the profile does not override it.
func (c *ControlTokens) imagePlaceholder() string {
	if c.ImagePlaceholder != "" {
		return c.ImagePlaceholder
	}
	return defaultImagePlaceholder
}

// Part is one element of a multi-part message's content.
type Part struct {
	Type string // "text" | "input_text" | "image" | "input_image" | "image_url" | "capability"

	// Text carries the literal text for "text"/"input_text" parts.
	Text string

	// ImageURL carries the data: URL for "image"/"input_image"/"image_url" parts.
	ImageURL string

	// CapabilityName and CapabilityData carry a "capability" part's
	// identifier and raw (base64-encoded) payload.
	CapabilityName string
	CapabilityData string
}

// Message is one conversation turn. Exactly one of Content or Parts is
// set: a plain string turn, or a multi-part turn.
type Message struct {
	Role    string
	Content string
	Parts   []Part
}
