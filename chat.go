package orchard

import (
	"context"
	"errors"
	"io"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/theproxycompany/orchard/telemetry"
	"github.com/theproxycompany/orchard/wire"
)

// Chat builds one prompt from conversation, sends it, and aggregates
// the engine's deltas into a ClientResponse.
func (c *Client) Chat(ctx context.Context, modelID string, conversation []Message, opts ...CallOption) (*ClientResponse, error) {
	return telemetry.RecordSpan(ctx, telemetry.GetTracer(&c.tracer), telemetry.SpanOptions{
		Name:        "orchard.chat",
		Attributes:  telemetry.GetBaseAttributes(modelID, &c.tracer),
		EndWhenDone: true,
	}, func(ctx context.Context, span trace.Span) (*ClientResponse, error) {
		params := c.paramsFor(opts)
		telemetry.AddSettingsAttributes(span, "orchard.call", map[string]interface{}{
			"maxGeneratedTokens": params.MaxGeneratedTokens,
			"temperature":        params.Temperature,
		})
		sink, _, _, err := c.submit(ctx, modelID, [][]Message{conversation}, opts, span)
		if err != nil {
			return nil, err
		}
		deltas := drain(sink)
		resp := aggregate(deltas)
		return &resp, nil
	})
}

// ChatBatch submits N prompts in a single request frame and groups
// deltas by prompt_index; the returned slice always has length
// len(conversations), even for an empty group.
func (c *Client) ChatBatch(ctx context.Context, modelID string, conversations [][]Message, opts ...CallOption) ([]*ClientResponse, error) {
	return telemetry.RecordSpan(ctx, telemetry.GetTracer(&c.tracer), telemetry.SpanOptions{
		Name:        "orchard.chatBatch",
		Attributes:  telemetry.GetBaseAttributes(modelID, &c.tracer),
		EndWhenDone: true,
	}, func(ctx context.Context, span trace.Span) ([]*ClientResponse, error) {
		sink, _, _, err := c.submit(ctx, modelID, conversations, opts, span)
		if err != nil {
			return nil, err
		}
		deltas := drain(sink)

		groups := make([][]wire.ClientDelta, len(conversations))
		for _, d := range deltas {
			if d.PromptIndex < 0 || d.PromptIndex >= len(groups) {
				continue
			}
			groups[d.PromptIndex] = append(groups[d.PromptIndex], d)
		}

		out := make([]*ClientResponse, len(conversations))
		for i, g := range groups {
			resp := aggregate(g)
			out[i] = &resp
		}
		return out, nil
	})
}

// ChatStream forwards each delta to a lazy, pull-style sequence in
// arrival order: the final delta is returned like any other, and the
// call after it returns io.EOF.
// The returned closure is a Next()-style iterator: callers pull one
// delta per call instead of ranging over a channel.
func (c *Client) ChatStream(ctx context.Context, modelID string, conversation []Message, opts ...CallOption) (func() (*ClientDelta, error), error) {
	var span trace.Span
	ctx, span = telemetry.GetTracer(&c.tracer).Start(ctx, "orchard.chatStream",
		trace.WithAttributes(telemetry.GetBaseAttributes(modelID, &c.tracer)...))

	sink, _, _, err := c.submit(ctx, modelID, [][]Message{conversation}, opts, span)
	if err != nil {
		telemetry.RecordErrorOnSpan(span, err)
		span.End()
		return nil, err
	}

	return func() (*ClientDelta, error) {
		delta, ok := <-sink
		if !ok {
			span.End()
			return nil, io.EOF
		}
		converted := toClientDelta(*delta)
		return &converted, nil
	}, nil
}

// ChatStreamChannel forwards deltas to a push channel via a pump
// goroutine, closing the channel when the request completes.
func (c *Client) ChatStreamChannel(ctx context.Context, modelID string, conversation []Message, opts ...CallOption) (<-chan ClientDelta, error) {
	sink, _, _, err := c.submit(ctx, modelID, [][]Message{conversation}, opts, nil)
	if err != nil {
		return nil, err
	}

	out := make(chan ClientDelta, cap(sink))
	go func() {
		defer close(out)
		for delta := range sink {
			out <- toClientDelta(*delta)
		}
	}()
	return out, nil
}

// submit resolves modelID, builds one wire.Prompt per conversation, sends
// a single request frame, and returns the registered delta sink. It also
// mints a correlation id distinct from the wire protocol's own integer
// RequestID: the RequestID only has to be unique for the lifetime of this
// client's IPC connection, while the correlation id is meant to survive
// being copied into logs and span attributes and cross-referenced against
// engine-side logs independent of any particular connection's id space.
// span may be nil (ChatStreamChannel has no ambient span to annotate).
func (c *Client) submit(ctx context.Context, modelID string, conversations [][]Message, opts []CallOption, span trace.Span) (<-chan *wire.ClientDelta, uint64, string, error) {
	if len(conversations) == 0 {
		return nil, 0, "", errors.New("orchard: at least one conversation is required")
	}

	corrID := uuid.NewString()
	if span != nil {
		span.SetAttributes(attribute.String("orchard.correlation_id", corrID))
	}

	info, err := c.ensureLoaded(ctx, modelID)
	if err != nil {
		return nil, 0, corrID, err
	}

	params := c.paramsFor(opts)

	prompts := make([]wire.Prompt, len(conversations))
	for i, conv := range conversations {
		p, err := buildPrompt(info.FormatterHandle, conv, params)
		if err != nil {
			return nil, 0, corrID, err
		}
		prompts[i] = p
	}

	ipcState := c.lease.IPCState()
	reqID := ipcState.NextRequestID()
	sink := ipcState.RegisterSink(reqID)

	req := &wire.Request{
		RequestID:         reqID,
		ModelID:           info.ModelID,
		ModelPath:         info.ModelPath,
		RequestType:       wire.RequestTypeGeneration,
		RequestChannelID:  ipcState.ResponseChannelID(),
		ResponseChannelID: ipcState.ResponseChannelID(),
		Prompts:           prompts,
	}

	frame, err := wire.Encode(req)
	if err != nil {
		ipcState.UnregisterSink(reqID)
		return nil, 0, corrID, err
	}
	if err := ipcState.SendFrame(frame); err != nil {
		ipcState.UnregisterSink(reqID)
		return nil, 0, corrID, err
	}

	c.logger.Debug("orchard: request submitted",
		"correlation_id", corrID, "request_id", reqID, "model_id", info.ModelID, "prompts", len(prompts))

	return sink, reqID, corrID, nil
}

// drain collects every delta from sink until it is closed.
func drain(sink <-chan *wire.ClientDelta) []wire.ClientDelta {
	var out []wire.ClientDelta
	for d := range sink {
		out = append(out, *d)
	}
	return out
}

// aggregate concatenates non-empty delta content in arrival order,
// keeps the last non-nil finish reason, and takes the max of each
// delta's running token counts for usage.
func aggregate(deltas []wire.ClientDelta) ClientResponse {
	var resp ClientResponse
	var promptTokens, completionTokens int

	for _, d := range deltas {
		if d.Content != nil && *d.Content != "" {
			resp.Text += *d.Content
		}
		if d.FinishReason != nil {
			resp.FinishReason = *d.FinishReason
		}
		if d.PromptTokenCount > promptTokens {
			promptTokens = d.PromptTokenCount
		}
		if d.GenerationLen > completionTokens {
			completionTokens = d.GenerationLen
		}
		resp.Deltas = append(resp.Deltas, toClientDelta(d))
	}

	resp.Usage = Usage{
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		TotalTokens:      promptTokens + completionTokens,
	}
	return resp
}

func toClientDelta(d wire.ClientDelta) ClientDelta {
	out := ClientDelta{
		RequestID:   d.RequestID,
		PromptIndex: d.PromptIndex,
		IsFinal:     d.IsFinal,
	}
	if d.Content != nil {
		out.Content = *d.Content
	}
	if d.FinishReason != nil {
		out.FinishReason = *d.FinishReason
	}
	if d.Error != nil {
		out.Error = *d.Error
	}
	return out
}
