package chatformat

import (
	"encoding/base64"

	"github.com/theproxycompany/orchard/internal/imageutil"
	"github.com/theproxycompany/orchard/orcherr"
)

// CapabilityInput is one decoded capability payload extracted from a
// conversation, ready to be placed into the layout and wire frame.
type CapabilityInput struct {
	Name string
	Data []byte
}

// Multimodal holds the raw bytes extracted from a conversation's
// structured content parts, in the order they appear.
type Multimodal struct {
	Images       [][]byte
	Capabilities []CapabilityInput
}

// Extract walks a conversation's multi-part messages, decoding image
// data URLs and capability payloads, and validating each part
// (MISSING_TYPE, MISSING_TEXT, MISSING_IMAGE_URL,
// MISSING_CAPABILITY_NAME, MISSING_CAPABILITY_DATA,
// UNSUPPORTED_CONTENT_TYPE).
func Extract(conversation []Message) (*Multimodal, error) {
	mm := &Multimodal{}
	for _, m := range conversation {
		for _, p := range m.Parts {
			if p.Type == "" {
				return nil, orcherr.NewMultimodal(orcherr.CodeMissingType, "content part missing type")
			}
			switch p.Type {
			case "text", "input_text":
				if p.Text == "" {
					return nil, orcherr.NewMultimodal(orcherr.CodeMissingText, "text part missing text")
				}
			case "image", "input_image", "image_url":
				if p.ImageURL == "" {
					return nil, orcherr.NewMultimodal(orcherr.CodeMissingImageURL, "image part missing image_url")
				}
				data, _, err := imageutil.DecodeDataURL(p.ImageURL)
				if err != nil {
					return nil, err
				}
				mm.Images = append(mm.Images, data)
			case "capability":
				if p.CapabilityName == "" {
					return nil, orcherr.NewMultimodal(orcherr.CodeMissingCapabilityName, "capability part missing name")
				}
				if p.CapabilityData == "" {
					return nil, orcherr.NewMultimodal(orcherr.CodeMissingCapabilityData, "capability part missing data")
				}
				data, err := base64.StdEncoding.DecodeString(p.CapabilityData)
				if err != nil {
					return nil, orcherr.NewMultimodal(orcherr.CodeInvalidBase64, err.Error())
				}
				mm.Capabilities = append(mm.Capabilities, CapabilityInput{Name: p.CapabilityName, Data: data})
			default:
				return nil, orcherr.NewMultimodal(orcherr.CodeUnsupportedContentType, "unsupported content part type: "+p.Type)
			}
		}
	}
	return mm, nil
}
