package chatformat

import (
	"encoding/base64"
	"testing"

	"github.com/theproxycompany/orchard/internal/imageutil"
	"github.com/theproxycompany/orchard/orcherr"
)

func TestExtractTextOnly(t *testing.T) {
	t.Parallel()

	conv := []Message{{Role: "user", Content: "hello"}}
	mm, err := Extract(conv)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(mm.Images) != 0 || len(mm.Capabilities) != 0 {
		t.Errorf("expected no multimodal content, got %+v", mm)
	}
}

func TestExtractImagePart(t *testing.T) {
	t.Parallel()

	raw := []byte{1, 2, 3}
	url := imageutil.ConvertToDataURI(raw, "image/png")
	conv := []Message{
		{Role: "user", Parts: []Part{
			{Type: "text", Text: "look"},
			{Type: "image", ImageURL: url},
		}},
	}

	mm, err := Extract(conv)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(mm.Images) != 1 || string(mm.Images[0]) != string(raw) {
		t.Errorf("Images = %+v", mm.Images)
	}
}

func TestExtractCapabilityPart(t *testing.T) {
	t.Parallel()

	payload := base64.StdEncoding.EncodeToString([]byte{9, 9})
	conv := []Message{
		{Role: "user", Parts: []Part{
			{Type: "capability", CapabilityName: "coord", CapabilityData: payload},
		}},
	}

	mm, err := Extract(conv)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(mm.Capabilities) != 1 || mm.Capabilities[0].Name != "coord" {
		t.Errorf("Capabilities = %+v", mm.Capabilities)
	}
}

func TestExtractRejectsMissingImageURL(t *testing.T) {
	t.Parallel()

	conv := []Message{{Role: "user", Parts: []Part{{Type: "image"}}}}
	_, err := Extract(conv)
	if !orcherr.IsCode(err, orcherr.CodeMissingImageURL) {
		t.Fatalf("expected CodeMissingImageURL, got %v", err)
	}
}

func TestExtractRejectsUnsupportedType(t *testing.T) {
	t.Parallel()

	conv := []Message{{Role: "user", Parts: []Part{{Type: "video"}}}}
	_, err := Extract(conv)
	if !orcherr.IsCode(err, orcherr.CodeUnsupportedContentType) {
		t.Fatalf("expected CodeUnsupportedContentType, got %v", err)
	}
}
