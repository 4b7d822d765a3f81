// Package wire builds and parses the engine's binary request frames and
// JSON response deltas.
package wire

import "encoding/json"

// RequestType selects the kind of work a prompt asks the engine to do.
type RequestType int

const (
	RequestTypeGeneration RequestType = iota
	RequestTypeEmbedding
	RequestTypeQuery
	RequestTypePoint
	RequestTypeDetect
	RequestTypeAgent
	RequestTypeOmni
)

// SegmentType identifies the kind of a LayoutSegment.
type SegmentType uint8

const (
	SegmentText       SegmentType = 0
	SegmentImage      SegmentType = 1
	SegmentCapability SegmentType = 2
)

// LayoutSegment is one 16-byte record in a prompt's layout: {u8 type, 7
// bytes zero pad, u64 length LE}.
type LayoutSegment struct {
	Type   SegmentType
	Length uint64
}

// Capability is a non-textual typed payload (e.g. coordinates) injected
// at a symbolic position in the rendered prompt.
type Capability struct {
	Name        string
	Position    int
	PayloadSize uint64
	Data        []byte
}

// ChatParameters are the generation parameters carried per prompt.
type ChatParameters struct {
	MaxGeneratedTokens    int
	Temperature           float64
	TopP                  float64
	TopK                  int
	MinP                  float64
	RNGSeed               *int64
	Stop                  []string
	TopLogprobs           int
	FrequencyPenalty      float64
	PresencePenalty       float64
	RepetitionContextSize int
	RepetitionPenalty     float64
	LogitBias             map[int]float64
	Tools                 json.RawMessage
	ResponseFormat        json.RawMessage
	N                     int
	BestOf                int
	FinalCandidates       int
	TaskName              string
	Reasoning             bool
	ReasoningEffort       string
	Instructions          string
}

// DefaultChatParameters returns the engine's documented defaults.
func DefaultChatParameters() ChatParameters {
	p := ChatParameters{
		MaxGeneratedTokens:    1024,
		Temperature:           1.0,
		TopP:                  1.0,
		TopK:                  -1,
		MinP:                  0.0,
		TopLogprobs:           0,
		FrequencyPenalty:      0.0,
		PresencePenalty:       0.0,
		RepetitionContextSize: 60,
		RepetitionPenalty:     1.0,
		N:                     1,
	}
	p.BestOf = p.N
	p.FinalCandidates = p.BestOf
	return p
}

// Prompt is one prompt within a request frame. Images and Capabilities
// hold the raw bytes to be packed into the binary region; Layout, when
// non-empty, is the caller-supplied (typically chatformat-produced)
// segment list. When Layout is empty, Encode derives the trivial
// fallback layout: one text segment (if Text is non-empty)
// followed by one image segment per image.
type Prompt struct {
	Text         string
	Images       [][]byte
	Capabilities []Capability
	Layout       []LayoutSegment
	Params       ChatParameters
}

// Request is a full request frame prior to encoding.
type Request struct {
	RequestID         uint64
	ModelID           string
	ModelPath         string
	RequestType       RequestType
	RequestChannelID  uint64
	ResponseChannelID uint64
	Prompts           []Prompt
}
