package wire

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"

	"github.com/theproxycompany/orchard/orcherr"
)

const alignment = 16

// allocator packs blobs into a single binary region, aligning each
// non-empty blob's start to a multiple of 16 bytes.
type allocator struct {
	cursor uint64
	blobs  []allocatedBlob
}

type allocatedBlob struct {
	offset uint64
	data   []byte
}

// put records data at the next 16-byte-aligned offset and returns that
// offset. Empty data is not recorded and always reports offset 0.
func (a *allocator) put(data []byte) uint64 {
	if len(data) == 0 {
		return 0
	}
	if rem := a.cursor % alignment; rem != 0 {
		a.cursor += alignment - rem
	}
	offset := a.cursor
	a.blobs = append(a.blobs, allocatedBlob{offset: offset, data: data})
	a.cursor += uint64(len(data))
	return offset
}

func (a *allocator) totalSize() uint64 { return a.cursor }

func (a *allocator) write(buf []byte) {
	for _, b := range a.blobs {
		copy(buf[b.offset:], b.data)
	}
}

// checkHeaderSize enforces the METADATA_TOO_LARGE boundary:
// a JSON header of exactly math.MaxUint32 bytes is accepted, one byte
// more is rejected. Exposed separately from Encode so the boundary can
// be exercised without allocating a multi-gigabyte buffer in tests.
func checkHeaderSize(length int) error {
	if uint64(length) > math.MaxUint32 {
		return orcherr.NewSerialization(orcherr.CodeMetadataTooLarge, fmt.Sprintf("JSON header is %d bytes, exceeds u32 max", length))
	}
	return nil
}

func encodeLayoutSegments(segs []LayoutSegment) []byte {
	buf := make([]byte, len(segs)*alignment)
	for i, s := range segs {
		off := i * alignment
		buf[off] = byte(s.Type)
		binary.LittleEndian.PutUint64(buf[off+8:off+16], s.Length)
	}
	return buf
}

func decodeLayoutSegments(buf []byte, count int) ([]LayoutSegment, error) {
	segs := make([]LayoutSegment, count)
	for i := 0; i < count; i++ {
		off := i * alignment
		if off+alignment > len(buf) {
			return nil, orcherr.NewSerialization(orcherr.CodeLayoutMismatch, "layout region shorter than declared count")
		}
		segs[i] = LayoutSegment{
			Type:   SegmentType(buf[off]),
			Length: binary.LittleEndian.Uint64(buf[off+8 : off+16]),
		}
	}
	return segs, nil
}

// deriveDefaultLayout implements the default-layout fallback: one text
// segment (if text present) followed by one image segment per image.
func deriveDefaultLayout(textSize int, images [][]byte) []LayoutSegment {
	var segs []LayoutSegment
	if textSize > 0 {
		segs = append(segs, LayoutSegment{Type: SegmentText, Length: uint64(textSize)})
	}
	for _, img := range images {
		segs = append(segs, LayoutSegment{Type: SegmentImage, Length: uint64(len(img))})
	}
	return segs
}

func validateLayout(segs []LayoutSegment, textSize int, images [][]byte) error {
	var textTotal, imageTotal uint64
	for _, s := range segs {
		switch s.Type {
		case SegmentText:
			textTotal += s.Length
		case SegmentImage:
			imageTotal += s.Length
		case SegmentCapability:
			// capability lengths are validated against capability payload sizes by the caller
		default:
			return orcherr.NewSerialization(orcherr.CodeUnsupportedSegmentType, fmt.Sprintf("unsupported segment type %d", s.Type))
		}
	}
	if textTotal != uint64(textSize) {
		return orcherr.NewSerialization(orcherr.CodeLayoutMismatch, fmt.Sprintf("text: expected %d, got %d", textSize, textTotal))
	}
	var imageSizeTotal uint64
	for _, img := range images {
		imageSizeTotal += uint64(len(img))
	}
	if imageTotal != imageSizeTotal {
		return orcherr.NewSerialization(orcherr.CodeLayoutMismatch, fmt.Sprintf("image: expected %d, got %d", imageSizeTotal, imageTotal))
	}
	return nil
}

// Encode builds the bit-exact request frame:
// a 4-byte little-endian header length, the JSON header, then the
// 16-byte-aligned binary region.
func Encode(req *Request) ([]byte, error) {
	if len(req.Prompts) == 0 {
		return nil, orcherr.NewSerialization(orcherr.CodeNoPrompts, "request has no prompts")
	}

	var alloc allocator
	promptsJSON := make([]map[string]interface{}, len(req.Prompts))

	for i, p := range req.Prompts {
		textBytes := []byte(p.Text)
		textOffset := alloc.put(textBytes)

		imageDataBytes := make([]byte, 0)
		for _, img := range p.Images {
			imageDataBytes = append(imageDataBytes, img...)
		}
		imageDataOffset := alloc.put(imageDataBytes)

		imageSizesBytes := make([]byte, 8*len(p.Images))
		for j, img := range p.Images {
			binary.LittleEndian.PutUint64(imageSizesBytes[j*8:j*8+8], uint64(len(img)))
		}
		imageSizesOffset := alloc.put(imageSizesBytes)

		capabilityDataBytes := make([]byte, 0)
		capsJSON := make([]map[string]interface{}, len(p.Capabilities))
		for j, c := range p.Capabilities {
			capabilityDataBytes = append(capabilityDataBytes, c.Data...)
			capsJSON[j] = map[string]interface{}{
				"name":         c.Name,
				"position":     c.Position,
				"payload_size": c.PayloadSize,
			}
		}
		capabilityDataOffset := alloc.put(capabilityDataBytes)

		segs := p.Layout
		if len(segs) == 0 {
			segs = deriveDefaultLayout(len(textBytes), p.Images)
		} else if err := validateLayout(segs, len(textBytes), p.Images); err != nil {
			return nil, err
		}
		layoutBytes := encodeLayoutSegments(segs)
		layoutOffset := alloc.put(layoutBytes)

		promptsJSON[i] = map[string]interface{}{
			"text_offset":             textOffset,
			"text_size":               len(textBytes),
			"image_data_offset":       imageDataOffset,
			"image_data_size":         len(imageDataBytes),
			"image_sizes_offset":      imageSizesOffset,
			"image_count":             len(p.Images),
			"capability_data_offset":  capabilityDataOffset,
			"capability_data_size":    len(capabilityDataBytes),
			"capabilities":            capsJSON,
			"layout_offset":           layoutOffset,
			"layout_count":            len(segs),
			"max_generated_tokens":    p.Params.MaxGeneratedTokens,
			"temperature":             p.Params.Temperature,
			"top_p":                   p.Params.TopP,
			"top_k":                   p.Params.TopK,
			"min_p":                   p.Params.MinP,
			"rng_seed":                p.Params.RNGSeed,
			"stop":                    p.Params.Stop,
			"top_logprobs":            p.Params.TopLogprobs,
			"frequency_penalty":       p.Params.FrequencyPenalty,
			"presence_penalty":        p.Params.PresencePenalty,
			"repetition_context_size": p.Params.RepetitionContextSize,
			"repetition_penalty":      p.Params.RepetitionPenalty,
			"logit_bias":              p.Params.LogitBias,
			"tools":                   rawOrNil(p.Params.Tools),
			"response_format":         rawOrNil(p.Params.ResponseFormat),
			"n":                       p.Params.N,
			"best_of":                 p.Params.BestOf,
			"final_candidates":        p.Params.FinalCandidates,
			"task_name":               p.Params.TaskName,
			"reasoning":               p.Params.Reasoning,
			"reasoning_effort":        p.Params.ReasoningEffort,
			"instructions":            p.Params.Instructions,
		}
	}

	header := map[string]interface{}{
		"request_id":          req.RequestID,
		"model_id":            req.ModelID,
		"model_path":          req.ModelPath,
		"request_type":        int(req.RequestType),
		"request_channel_id":  req.RequestChannelID,
		"response_channel_id": req.ResponseChannelID,
		"prompts":             promptsJSON,
	}

	headerBytes, err := json.Marshal(header)
	if err != nil {
		return nil, orcherr.NewSerialization(orcherr.CodeMetadataTooLarge, err.Error())
	}
	if err := checkHeaderSize(len(headerBytes)); err != nil {
		return nil, err
	}

	totalSize := 4 + len(headerBytes) + int(alloc.totalSize())
	out := make([]byte, totalSize)
	binary.LittleEndian.PutUint32(out[0:4], uint32(len(headerBytes)))
	copy(out[4:], headerBytes)
	alloc.write(out[4+len(headerBytes):])

	return out, nil
}

func rawOrNil(r json.RawMessage) interface{} {
	if len(r) == 0 {
		return nil
	}
	return r
}

// wireCapability mirrors the capability entry shape written by Encode.
type wireCapability struct {
	Name        string `json:"name"`
	Position    int    `json:"position"`
	PayloadSize uint64 `json:"payload_size"`
}

// wirePrompt mirrors the per-prompt JSON object written by Encode.
type wirePrompt struct {
	TextOffset            uint64           `json:"text_offset"`
	TextSize              uint64           `json:"text_size"`
	ImageDataOffset       uint64           `json:"image_data_offset"`
	ImageDataSize         uint64           `json:"image_data_size"`
	ImageSizesOffset      uint64           `json:"image_sizes_offset"`
	ImageCount            int              `json:"image_count"`
	CapabilityDataOffset  uint64           `json:"capability_data_offset"`
	CapabilityDataSize    uint64           `json:"capability_data_size"`
	Capabilities          []wireCapability `json:"capabilities"`
	LayoutOffset          uint64           `json:"layout_offset"`
	LayoutCount           int              `json:"layout_count"`
	MaxGeneratedTokens    int              `json:"max_generated_tokens"`
	Temperature           float64          `json:"temperature"`
	TopP                  float64          `json:"top_p"`
	TopK                  int              `json:"top_k"`
	MinP                  float64          `json:"min_p"`
	RNGSeed               *int64           `json:"rng_seed"`
	Stop                  []string         `json:"stop"`
	TopLogprobs           int              `json:"top_logprobs"`
	FrequencyPenalty      float64          `json:"frequency_penalty"`
	PresencePenalty       float64          `json:"presence_penalty"`
	RepetitionContextSize int              `json:"repetition_context_size"`
	RepetitionPenalty     float64          `json:"repetition_penalty"`
	LogitBias             map[int]float64  `json:"logit_bias"`
	Tools                 json.RawMessage  `json:"tools"`
	ResponseFormat        json.RawMessage  `json:"response_format"`
	N                     int              `json:"n"`
	BestOf                int              `json:"best_of"`
	FinalCandidates       int              `json:"final_candidates"`
	TaskName              string           `json:"task_name"`
	Reasoning             bool             `json:"reasoning"`
	ReasoningEffort       string           `json:"reasoning_effort"`
	Instructions          string           `json:"instructions"`
}

// wireHeader mirrors the top-level JSON header written by Encode.
type wireHeader struct {
	RequestID         uint64       `json:"request_id"`
	ModelID           string       `json:"model_id"`
	ModelPath         string       `json:"model_path"`
	RequestType       RequestType  `json:"request_type"`
	RequestChannelID  uint64       `json:"request_channel_id"`
	ResponseChannelID uint64       `json:"response_channel_id"`
	Prompts           []wirePrompt `json:"prompts"`
}

// sliceRegion returns buf[offset:offset+size], validating bounds against the
// binary region's actual length.
func sliceRegion(buf []byte, offset, size uint64) ([]byte, error) {
	if size == 0 {
		return nil, nil
	}
	end := offset + size
	if end > uint64(len(buf)) || end < offset {
		return nil, orcherr.NewSerialization(orcherr.CodeLayoutMismatch, "blob extends past end of binary region")
	}
	return buf[offset:end], nil
}

// Decode parses a frame produced by Encode back into a Request.
func Decode(frame []byte) (*Request, error) {
	if len(frame) < 4 {
		return nil, orcherr.NewSerialization(orcherr.CodeMetadataTooLarge, "frame shorter than the 4-byte length prefix")
	}
	headerLen := binary.LittleEndian.Uint32(frame[0:4])
	if uint64(4+headerLen) > uint64(len(frame)) {
		return nil, orcherr.NewSerialization(orcherr.CodeMetadataTooLarge, "declared header length exceeds frame size")
	}

	headerBytes := frame[4 : 4+headerLen]
	region := frame[4+headerLen:]

	var h wireHeader
	if err := json.Unmarshal(headerBytes, &h); err != nil {
		return nil, orcherr.NewSerialization(orcherr.CodeMetadataTooLarge, "invalid JSON header: "+err.Error())
	}
	if len(h.Prompts) == 0 {
		return nil, orcherr.NewSerialization(orcherr.CodeNoPrompts, "request has no prompts")
	}

	prompts := make([]Prompt, len(h.Prompts))
	for i, wp := range h.Prompts {
		text, err := sliceRegion(region, wp.TextOffset, wp.TextSize)
		if err != nil {
			return nil, err
		}

		imageData, err := sliceRegion(region, wp.ImageDataOffset, wp.ImageDataSize)
		if err != nil {
			return nil, err
		}
		imageSizesBytes, err := sliceRegion(region, wp.ImageSizesOffset, uint64(wp.ImageCount)*8)
		if err != nil {
			return nil, err
		}
		images := make([][]byte, wp.ImageCount)
		var cursor uint64
		for j := 0; j < wp.ImageCount; j++ {
			size := binary.LittleEndian.Uint64(imageSizesBytes[j*8 : j*8+8])
			images[j] = imageData[cursor : cursor+size]
			cursor += size
		}

		capData, err := sliceRegion(region, wp.CapabilityDataOffset, wp.CapabilityDataSize)
		if err != nil {
			return nil, err
		}
		capabilities := make([]Capability, len(wp.Capabilities))
		var capCursor uint64
		for j, wc := range wp.Capabilities {
			if capCursor+wc.PayloadSize > uint64(len(capData)) {
				return nil, orcherr.NewSerialization(orcherr.CodeLayoutMismatch, "capability payload extends past capability_data")
			}
			capabilities[j] = Capability{
				Name:        wc.Name,
				Position:    wc.Position,
				PayloadSize: wc.PayloadSize,
				Data:        capData[capCursor : capCursor+wc.PayloadSize],
			}
			capCursor += wc.PayloadSize
		}

		layoutBytes, err := sliceRegion(region, wp.LayoutOffset, uint64(wp.LayoutCount)*alignment)
		if err != nil {
			return nil, err
		}
		layout, err := decodeLayoutSegments(layoutBytes, wp.LayoutCount)
		if err != nil {
			return nil, err
		}

		params := ChatParameters{
			MaxGeneratedTokens:    wp.MaxGeneratedTokens,
			Temperature:           wp.Temperature,
			TopP:                  wp.TopP,
			TopK:                  wp.TopK,
			MinP:                  wp.MinP,
			RNGSeed:               wp.RNGSeed,
			Stop:                  wp.Stop,
			TopLogprobs:           wp.TopLogprobs,
			FrequencyPenalty:      wp.FrequencyPenalty,
			PresencePenalty:       wp.PresencePenalty,
			RepetitionContextSize: wp.RepetitionContextSize,
			RepetitionPenalty:     wp.RepetitionPenalty,
			LogitBias:             wp.LogitBias,
			Tools:                 wp.Tools,
			ResponseFormat:        wp.ResponseFormat,
			N:                     wp.N,
			BestOf:                wp.BestOf,
			FinalCandidates:       wp.FinalCandidates,
			TaskName:              wp.TaskName,
			Reasoning:             wp.Reasoning,
			ReasoningEffort:       wp.ReasoningEffort,
			Instructions:          wp.Instructions,
		}

		prompts[i] = Prompt{
			Text:         string(text),
			Images:       images,
			Capabilities: capabilities,
			Layout:       layout,
			Params:       params,
		}
	}

	return &Request{
		RequestID:         h.RequestID,
		ModelID:           h.ModelID,
		ModelPath:         h.ModelPath,
		RequestType:       h.RequestType,
		RequestChannelID:  h.RequestChannelID,
		ResponseChannelID: h.ResponseChannelID,
		Prompts:           prompts,
	}, nil
}
