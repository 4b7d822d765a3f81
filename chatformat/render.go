package chatformat

import "strings"

// capabilityToken returns the placeholder text a capability part
// should contribute to the rendered prompt, or "" if the profile does
// not advertise one for this capability name.
func (c *ControlTokens) capabilityToken(name string) string {
	if tok, ok := c.Capabilities[name]; ok {
		return tok
	}
	if name == "coord" {
		return c.CoordPlaceholder
	}
	return ""
}

func (c *ControlTokens) roleTagsFor(role string) (RoleDef, bool) {
	rd, ok := c.Roles[role]
	return rd, ok
}

func renderPart(tokens *ControlTokens, p Part) string {
	switch p.Type {
	case "text", "input_text":
		return p.Text
	case "image", "input_image", "image_url":
		return tokens.imagePlaceholder()
	case "capability":
		return tokens.capabilityToken(p.CapabilityName)
	default:
		return ""
	}
}

func renderContent(tokens *ControlTokens, m Message) string {
	if len(m.Parts) == 0 {
		return m.Content
	}
	var b strings.Builder
	for _, p := range m.Parts {
		b.WriteString(renderPart(tokens, p))
	}
	return b.String()
}

// Render builds the flat prompt text for a conversation:
//
//	output = begin_of_text
//	for each interaction:
//	    output += role.role_start_tag + role.role_name + role.role_end_tag
//	    output += rendered content
//	    output += end_of_sequence
//	if addGenerationPrompt:
//	    output += agent.role_start_tag + agent.role_name + agent.role_end_tag
//
// If instructions is non-empty it is prepended as a leading system
// interaction. Roles are normalized before lookup; a normalized role
// absent from the profile's role map contributes no tags (content
// still renders).
func Render(tokens *ControlTokens, conversation []Message, instructions string, addGenerationPrompt bool) string {
	msgs := conversation
	if instructions != "" {
		msgs = make([]Message, 0, len(conversation)+1)
		msgs = append(msgs, Message{Role: "system", Content: instructions})
		msgs = append(msgs, conversation...)
	}

	var b strings.Builder
	b.WriteString(tokens.BeginOfText)

	for _, m := range msgs {
		role := NormalizeRole(m.Role, nil)
		if rd, ok := tokens.roleTagsFor(role); ok {
			b.WriteString(rd.RoleStartTag)
			b.WriteString(rd.RoleName)
			b.WriteString(rd.RoleEndTag)
		}
		b.WriteString(renderContent(tokens, m))
		b.WriteString(tokens.EndOfSequence)
	}

	if addGenerationPrompt {
		if rd, ok := tokens.roleTagsFor("agent"); ok {
			b.WriteString(rd.RoleStartTag)
			b.WriteString(rd.RoleName)
			b.WriteString(rd.RoleEndTag)
		}
	}

	return b.String()
}
