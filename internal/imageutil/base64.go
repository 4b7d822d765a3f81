package imageutil

import (
	"encoding/base64"
	"fmt"
	"regexp"

	"github.com/theproxycompany/orchard/orcherr"
)

// dataURLPattern matches "data:<mime>;base64,<payload>" data URLs.
var dataURLPattern = regexp.MustCompile(`^data:([\w\-/+.]+);base64,([A-Za-z0-9+/=]+)$`)

// DecodeDataURL decodes a "data:<mime>;base64,<payload>" URL into its raw
// bytes and declared MIME type. It rejects anything else with
// orcherr.CodeInvalidDataURL, and malformed base64 payloads with
// orcherr.CodeInvalidBase64.
func DecodeDataURL(dataURL string) (data []byte, mimeType string, err error) {
	m := dataURLPattern.FindStringSubmatch(dataURL)
	if m == nil {
		return nil, "", orcherr.NewMultimodal(orcherr.CodeInvalidDataURL, "not a data: URL with base64 payload")
	}

	decoded, decErr := base64.StdEncoding.DecodeString(m[2])
	if decErr != nil {
		return nil, "", orcherr.NewMultimodal(orcherr.CodeInvalidBase64, decErr.Error())
	}

	return decoded, m[1], nil
}

// EncodeToBase64 converts image bytes to a standard-encoding base64
// string.
//
// Example:
//
//	data := []byte{0xFF, 0xD8, 0xFF}
//	encoded := EncodeToBase64(data) // Returns: "/9j/"
func EncodeToBase64(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// ConvertToDataURI converts image bytes to a data URI string, the
// form DecodeDataURL accepts.
//
// Format: data:<mimeType>;base64,<base64Data>
//
// Example:
//
//	data := []byte{0x89, 0x50, 0x4E, 0x47}
//	uri := ConvertToDataURI(data, "image/png")
//	// Returns: "data:image/png;base64,iVBORw=="
func ConvertToDataURI(data []byte, mimeType string) string {
	encoded := EncodeToBase64(data)
	return fmt.Sprintf("data:%s;base64,%s", mimeType, encoded)
}
