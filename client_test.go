package orchard

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/theproxycompany/orchard/testutil"
)

const controlTokensJSON = `{
  "template_type": "chatml",
  "begin_of_text": "<bos>",
  "end_of_message": "<eom>",
  "roles": {
    "user": {"role_name": "user", "role_start_tag": "<user>", "role_end_tag": "</user>"},
    "agent": {"role_name": "agent", "role_start_tag": "<agent>", "role_end_tag": "</agent>"}
  }
}`

// newTestClient lays out a model directory, pre-seeds the lease's
// engine.pid with this test process's own (always-alive) pid so no
// real engine subprocess is spawned, starts a fake engine accepting
// the three IPC sockets, and returns a connected Client plus the fake
// engine to drive the protocol from the test.
func newTestClient(t *testing.T) (*Client, *testutil.FakeEngine) {
	t.Helper()

	cacheRoot := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(cacheRoot, "ipc"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(cacheRoot, "engine.pid"), []byte(strconv.Itoa(os.Getpid())), 0o644))

	modelRoot := t.TempDir()
	modelDir := filepath.Join(modelRoot, "test-model")
	require.NoError(t, os.MkdirAll(modelDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(modelDir, "config.json"), []byte(`{}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(modelDir, "control_tokens.json"), []byte(controlTokensJSON), 0o644))

	engine := testutil.Start(t, filepath.Join(cacheRoot, "ipc"))
	engine.HandleManagement(testutil.OKLoadModelHandler(map[string][]int{"text": {1}}))

	client, err := New(context.Background(), Options{
		CacheRoot:      cacheRoot,
		ModelRoot:      modelRoot,
		StartupTimeout: time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	return client, engine
}

func TestClientChatAggregatesDeltas(t *testing.T) {
	t.Parallel()
	client, engine := newTestClient(t)
	respCh := client.lease.IPCState().ResponseChannelID()

	go func() {
		engine.PushDelta(t, respCh, map[string]interface{}{
			"request_id": 1, "content": "hello ", "is_final_delta": false,
		})
		engine.PushDelta(t, respCh, map[string]interface{}{
			"request_id": 1, "content": "world", "prompt_token_count": 3,
			"generation_len": 2, "finish_reason": "stop", "is_final_delta": true,
		})
	}()

	resp, err := client.Chat(context.Background(), "test-model", []Message{
		{Role: "user", Content: "hi"},
	})
	require.NoError(t, err)

	require.Equal(t, "hello world", resp.Text)
	require.Equal(t, "stop", resp.FinishReason)
	require.Equal(t, 3, resp.Usage.PromptTokens)
	require.Equal(t, 2, resp.Usage.CompletionTokens)
	require.Equal(t, 5, resp.Usage.TotalTokens)
}

func TestClientChatStreamPullIterator(t *testing.T) {
	t.Parallel()
	client, engine := newTestClient(t)
	respCh := client.lease.IPCState().ResponseChannelID()

	next, err := client.ChatStream(context.Background(), "test-model", []Message{
		{Role: "user", Content: "hi"},
	})
	require.NoError(t, err)

	go func() {
		engine.PushDelta(t, respCh, map[string]interface{}{
			"request_id": 1, "content": "a", "is_final_delta": false,
		})
		engine.PushDelta(t, respCh, map[string]interface{}{
			"request_id": 1, "is_final_delta": true,
		})
	}()

	d1, err := next()
	require.NoError(t, err)
	require.Equal(t, "a", d1.Content)

	d2, err := next()
	require.NoError(t, err)
	require.True(t, d2.IsFinal)

	_, err = next()
	require.Equal(t, io.EOF, err)
}

func TestClientChatStreamChannelPushesDeltas(t *testing.T) {
	t.Parallel()
	client, engine := newTestClient(t)
	respCh := client.lease.IPCState().ResponseChannelID()

	ch, err := client.ChatStreamChannel(context.Background(), "test-model", []Message{
		{Role: "user", Content: "hi"},
	})
	require.NoError(t, err)

	go func() {
		engine.PushDelta(t, respCh, map[string]interface{}{
			"request_id": 1, "content": "a", "is_final_delta": false,
		})
		engine.PushDelta(t, respCh, map[string]interface{}{
			"request_id": 1, "is_final_delta": true,
		})
	}()

	var got []ClientDelta
	for d := range ch {
		got = append(got, d)
	}
	require.Len(t, got, 2)
	require.Equal(t, "a", got[0].Content)
	require.True(t, got[1].IsFinal)
}

func TestClientChatBatchGroupsByPromptIndex(t *testing.T) {
	t.Parallel()
	client, engine := newTestClient(t)
	respCh := client.lease.IPCState().ResponseChannelID()

	go func() {
		engine.PushDelta(t, respCh, map[string]interface{}{
			"request_id": 1, "prompt_index": 1, "content": "second", "is_final_delta": false,
		})
		engine.PushDelta(t, respCh, map[string]interface{}{
			"request_id": 1, "prompt_index": 0, "content": "first", "is_final_delta": true,
		})
	}()

	results, err := client.ChatBatch(context.Background(), "test-model", [][]Message{
		{{Role: "user", Content: "one"}},
		{{Role: "user", Content: "two"}},
		{{Role: "user", Content: "three"}},
	})
	require.NoError(t, err)
	require.Len(t, results, 3)
	require.Equal(t, "first", results[0].Text)
	require.Equal(t, "second", results[1].Text)
	require.Equal(t, "", results[2].Text)
}

func TestClientListModels(t *testing.T) {
	t.Parallel()
	client, engine := newTestClient(t)
	engine.HandleManagement(func([]byte) []byte {
		return []byte(`{"status":"ok","data":{"list_models":{"models":[{"requested_id":"test-model","canonical_id":"test-model","load_state":"READY"}]}}}`)
	})

	models, err := client.ListModels(context.Background())
	require.NoError(t, err)
	require.Len(t, models, 1)
	require.Equal(t, "test-model", models[0].CanonicalID)
}

func TestClientCloseIsIdempotent(t *testing.T) {
	t.Parallel()
	client, _ := newTestClient(t)
	require.NoError(t, client.Close())
	require.NoError(t, client.Close())
}

func TestClientChatRequiresAtLeastOneConversation(t *testing.T) {
	t.Parallel()
	client, _ := newTestClient(t)
	_, err := client.ChatBatch(context.Background(), "test-model", nil)
	require.Error(t, err)
}
