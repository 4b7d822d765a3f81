package wire

import (
	"encoding/json"

	"github.com/theproxycompany/orchard/orcherr"
)

// ClientDelta is one streamed chunk of generation progress published by
// the engine on a request's response channel.
// The wire field for completion is literally "is_final_delta".
type ClientDelta struct {
	RequestID         uint64                `json:"request_id"`
	SequenceID        int                   `json:"sequence_id,omitempty"`
	PromptIndex       int                   `json:"prompt_index,omitempty"`
	CandidateIndex    int                   `json:"candidate_index,omitempty"`
	PromptTokenCount  int                   `json:"prompt_token_count,omitempty"`
	NumTokensInDelta  int                   `json:"num_tokens_in_delta,omitempty"`
	Tokens            []int                 `json:"tokens,omitempty"`
	TopLogprobs       []map[string]float64  `json:"top_logprobs,omitempty"`
	CumulativeLogprob float64               `json:"cumulative_logprob,omitempty"`
	GenerationLen     int                   `json:"generation_len,omitempty"`
	Content           *string               `json:"content,omitempty"`
	ContentLen        int                   `json:"content_len,omitempty"`
	IsFinal           bool                  `json:"is_final_delta"`
	FinishReason      *string               `json:"finish_reason,omitempty"`
	Error             *string               `json:"error,omitempty"`
}

// ParseDelta decodes one delta payload published on a response channel.
// Missing optional fields decode to their Go zero values (nil pointers,
// zero-length slices), matching the engine's default-on-omission wire
// contract.
func ParseDelta(payload []byte) (*ClientDelta, error) {
	var d ClientDelta
	if err := json.Unmarshal(payload, &d); err != nil {
		return nil, orcherr.NewSerialization(orcherr.CodeMetadataTooLarge, "invalid delta JSON: "+err.Error())
	}
	return &d, nil
}
