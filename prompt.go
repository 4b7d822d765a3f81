package orchard

import (
	"github.com/theproxycompany/orchard/chatformat"
	"github.com/theproxycompany/orchard/wire"
)

// buildPrompt renders conversation through tokens' control-token
// profile and ties the result to the binary wire layout. It folds
// placeholder tokens into the surrounding text segment
// (excludeImagePlaceholder=false) rather than stripping them, so the
// text chatformat.Render returns can be used verbatim as
// wire.Prompt.Text without a second text-reconstruction pass.
func buildPrompt(tokens *chatformat.ControlTokens, conversation []chatformat.Message, params wire.ChatParameters) (wire.Prompt, error) {
	mm, err := chatformat.Extract(conversation)
	if err != nil {
		return wire.Prompt{}, err
	}

	rendered := chatformat.Render(tokens, conversation, params.Instructions, true)

	layout, caps, err := chatformat.BuildLayout(tokens, rendered, mm, false)
	if err != nil {
		return wire.Prompt{}, err
	}

	return wire.Prompt{
		Text:         rendered,
		Images:       mm.Images,
		Capabilities: caps,
		Layout:       layout,
		Params:       params,
	}, nil
}
