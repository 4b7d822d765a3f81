package chatformat

import (
	"sort"
	"strings"

	"github.com/theproxycompany/orchard/orcherr"
	"github.com/theproxycompany/orchard/wire"
)

// occurrence is one placeholder token location found in the rendered
// prompt text.
type occurrence struct {
	start, end int
	isImage    bool // false means a coord/capability placeholder
}

// findAllOccurrences returns the non-overlapping, left-to-right byte
// offsets of every occurrence of token in s.
func findAllOccurrences(s, token string) []int {
	if token == "" {
		return nil
	}
	var out []int
	pos := 0
	for {
		i := strings.Index(s[pos:], token)
		if i < 0 {
			break
		}
		out = append(out, pos+i)
		pos += i + len(token)
	}
	return out
}

// BuildLayout ties a rendered prompt's text to the decoded image
// buffers and capability payloads extracted from the conversation,
// producing the segment list the wire frame needs.
//
// excludeImagePlaceholder controls whether each placeholder token's
// own bytes (image and coord placeholders alike) are dropped from the
// prompt's text segments or folded into the preceding text segment;
// the root package's prompt builder passes false, folding them.
func BuildLayout(tokens *ControlTokens, promptText string, mm *Multimodal, excludeImagePlaceholder bool) ([]wire.LayoutSegment, []wire.Capability, error) {
	if len(mm.Images) == 0 && len(mm.Capabilities) == 0 && promptText == "" {
		return nil, nil, orcherr.NewMultimodal(orcherr.CodeEmptyPrompt, "prompt has no text, images, or capabilities")
	}

	imgTok := tokens.imagePlaceholder()
	imgPositions := findAllOccurrences(promptText, imgTok)
	if len(imgPositions) != len(mm.Images) {
		return nil, nil, orcherr.NewMultimodal(orcherr.CodePlaceholderMismatch, "image placeholder count does not match decoded image count")
	}

	var coordCaps []CapabilityInput
	for _, c := range mm.Capabilities {
		if c.Name == "coord" {
			coordCaps = append(coordCaps, c)
		}
	}
	var coordPositions []int
	if tokens.CoordPlaceholder != "" {
		coordPositions = findAllOccurrences(promptText, tokens.CoordPlaceholder)
		if len(coordPositions) != len(coordCaps) {
			return nil, nil, orcherr.NewMultimodal(orcherr.CodeCoordPlaceholderMismatch, "coord placeholder count does not match coord capability count")
		}
	}

	occurrences := make([]occurrence, 0, len(imgPositions)+len(coordPositions))
	for _, p := range imgPositions {
		occurrences = append(occurrences, occurrence{start: p, end: p + len(imgTok), isImage: true})
	}
	for _, p := range coordPositions {
		occurrences = append(occurrences, occurrence{start: p, end: p + len(tokens.CoordPlaceholder), isImage: false})
	}
	sort.Slice(occurrences, func(i, j int) bool { return occurrences[i].start < occurrences[j].start })

	var segments []wire.LayoutSegment
	var capsOut []wire.Capability
	cursor := 0
	imgIdx, coordIdx := 0, 0

	for _, occ := range occurrences {
		textEnd := occ.start
		if !excludeImagePlaceholder {
			textEnd = occ.end
		}
		if textEnd > cursor {
			segments = append(segments, wire.LayoutSegment{Type: wire.SegmentText, Length: uint64(textEnd - cursor)})
		}
		cursor = occ.end

		if occ.isImage {
			img := mm.Images[imgIdx]
			imgIdx++
			segments = append(segments, wire.LayoutSegment{Type: wire.SegmentImage, Length: uint64(len(img))})
		} else {
			cp := coordCaps[coordIdx]
			coordIdx++
			segments = append(segments, wire.LayoutSegment{Type: wire.SegmentCapability, Length: uint64(len(cp.Data))})
			capsOut = append(capsOut, wire.Capability{
				Name:        cp.Name,
				Position:    occ.start,
				PayloadSize: uint64(len(cp.Data)),
				Data:        cp.Data,
			})
		}
	}

	if cursor < len(promptText) {
		segments = append(segments, wire.LayoutSegment{Type: wire.SegmentText, Length: uint64(len(promptText) - cursor)})
	}

	// Any non-coord capabilities (e.g. capabilities with no placeholder
	// in the prompt text) still ride along in the frame's capability list.
	for _, c := range mm.Capabilities {
		if c.Name == "coord" {
			continue
		}
		capsOut = append(capsOut, wire.Capability{
			Name:        c.Name,
			Position:    -1,
			PayloadSize: uint64(len(c.Data)),
			Data:        c.Data,
		})
	}

	return segments, capsOut, nil
}
