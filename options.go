package orchard

import "github.com/theproxycompany/orchard/wire"

// CallOption adjusts the ChatParameters used for one Chat/ChatStream/
// ChatBatch call, in the same With...-option-copy style as
// telemetry.Settings's WithEnabled/WithFunctionID/...: each option
// returns a new value rather than mutating in place.
type CallOption func(wire.ChatParameters) wire.ChatParameters

func applyCallOptions(base wire.ChatParameters, opts []CallOption) wire.ChatParameters {
	params := base
	for _, opt := range opts {
		params = opt(params)
	}
	return params
}

// WithMaxGeneratedTokens caps the number of tokens the engine generates.
func WithMaxGeneratedTokens(n int) CallOption {
	return func(p wire.ChatParameters) wire.ChatParameters {
		p.MaxGeneratedTokens = n
		return p
	}
}

// WithTemperature sets sampling temperature.
func WithTemperature(t float64) CallOption {
	return func(p wire.ChatParameters) wire.ChatParameters {
		p.Temperature = t
		return p
	}
}

// WithTopP sets nucleus sampling probability mass.
func WithTopP(topP float64) CallOption {
	return func(p wire.ChatParameters) wire.ChatParameters {
		p.TopP = topP
		return p
	}
}

// WithTopK sets the top-k sampling cutoff.
func WithTopK(topK int) CallOption {
	return func(p wire.ChatParameters) wire.ChatParameters {
		p.TopK = topK
		return p
	}
}

// WithStop sets the stop sequences that end generation early.
func WithStop(sequences ...string) CallOption {
	return func(p wire.ChatParameters) wire.ChatParameters {
		p.Stop = sequences
		return p
	}
}

// WithSeed pins the engine's RNG seed for reproducible sampling.
func WithSeed(seed int64) CallOption {
	return func(p wire.ChatParameters) wire.ChatParameters {
		p.RNGSeed = &seed
		return p
	}
}

// WithInstructions sets the system/instructions text prepended ahead of
// the rendered conversation.
func WithInstructions(instructions string) CallOption {
	return func(p wire.ChatParameters) wire.ChatParameters {
		p.Instructions = instructions
		return p
	}
}

// WithReasoning toggles reasoning mode and its effort level.
func WithReasoning(enabled bool, effort string) CallOption {
	return func(p wire.ChatParameters) wire.ChatParameters {
		p.Reasoning = enabled
		p.ReasoningEffort = effort
		return p
	}
}
