package provider

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"parley/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const replyStream = `data: {"type":"message_start","message":{"id":"msg_1","usage":{"input_tokens":7}}}

data: {"type":"content_block_start","index":0,"content_block":{"type":"text"}}

data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"hello"}}

data: {"type":"content_block_stop","index":0}

data: {"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":3}}

data: {"type":"message_stop"}
`

func testRequest(t *testing.T) *Request {
	t.Helper()
	req, err := BuildRequest(
		[]model.Message{model.NewTextMessage(model.RoleUser, "hi")},
		nil, nil, ModelParams("claude-sonnet-4-20250514", false),
	)
	require.NoError(t, err)
	return req
}

func TestClientStream(t *testing.T) {
	var gotBody Request
	var gotKey, gotVersion string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-Api-Key")
		gotVersion = r.Header.Get("Anthropic-Version")
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &gotBody)

		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, replyStream)
	}))
	defer srv.Close()

	bus := model.NewBus(64)
	client, err := NewClient(srv.URL, "test-key", bus)
	require.NoError(t, err)

	msg, stop, usage, err := client.Stream(context.Background(), testRequest(t))
	require.NoError(t, err)

	assert.Equal(t, "test-key", gotKey)
	assert.Equal(t, apiVersion, gotVersion)
	assert.Equal(t, "claude-sonnet-4-20250514", gotBody.Model)
	assert.True(t, gotBody.Stream)

	require.Len(t, msg.Blocks, 1)
	assert.Equal(t, "hello", msg.Blocks[0].Text)
	assert.Equal(t, model.StopEndTurn, stop)
	assert.Equal(t, 7, usage.InputTokens)
	assert.Equal(t, 3, usage.OutputTokens)
}

func TestClientRejectsMissingKey(t *testing.T) {
	_, err := NewClient("", "", model.NewBus(1))
	assert.ErrorIs(t, err, ErrMissingAPIKey)
}

func TestClientNon2xxIsTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		io.WriteString(w, `{"error":{"type":"rate_limit_error"}}`)
	}))
	defer srv.Close()

	bus := model.NewBus(64)
	client, err := NewClient(srv.URL, "k", bus)
	require.NoError(t, err)

	_, _, _, err = client.Stream(context.Background(), testRequest(t))
	assert.ErrorIs(t, err, ErrRequestFailed)
	assert.Contains(t, err.Error(), "429")

	bus.Close()
	sawError := false
	for ev := range bus.Events() {
		if ev.Kind == model.EventError && strings.Contains(ev.Content, "429") {
			sawError = true
		}
	}
	assert.True(t, sawError, "transport failures surface on the bus")
}

func TestClientCancellationKeepsPartialTurn(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, `data: {"type":"content_block_start","index":0,"content_block":{"type":"text"}}`+"\n\n")
		io.WriteString(w, `data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"half an ans"}}`+"\n\n")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	bus := model.NewBus(64)
	client, err := NewClient(srv.URL, "k", bus)
	require.NoError(t, err)

	// Stop the stream once the delta has been assembled.
	go func() {
		for ev := range bus.Events() {
			if ev.Kind == model.EventContentBlockDelta {
				cancel()
				return
			}
		}
	}()

	msg, stop, _, err := client.Stream(ctx, testRequest(t))
	require.NoError(t, err, "cancellation is not an error; the partial turn is returned")
	assert.Equal(t, model.StopCancelledByUser, stop)
	require.NotEmpty(t, msg.Blocks)
	assert.Contains(t, msg.Blocks[0].Text, "half an ans")
}

func TestClientServerErrorReturnsPartialTurn(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, `data: {"type":"content_block_start","index":0,"content_block":{"type":"text"}}`+"\n\n")
		io.WriteString(w, `data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"partial"}}`+"\n\n")
		io.WriteString(w, `data: {"type":"error","error":{"type":"overloaded_error","message":"busy"}}`+"\n\n")
	}))
	defer srv.Close()

	bus := model.NewBus(64)
	client, err := NewClient(srv.URL, "k", bus)
	require.NoError(t, err)

	msg, _, _, err := client.Stream(context.Background(), testRequest(t))
	assert.Error(t, err)
	require.NotEmpty(t, msg.Blocks, "assembled content survives a server error")
	assert.Contains(t, msg.Blocks[0].Text, "partial")
}

func TestClientHonorsDeadline(t *testing.T) {
	if testing.Short() {
		t.Skip("needs a real wall-clock wait")
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-time.After(10 * time.Second):
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	client, err := NewClient(srv.URL, "k", model.NewBus(16))
	require.NoError(t, err)

	start := time.Now()
	_, stop, _, err := client.Stream(ctx, testRequest(t))
	require.NoError(t, err)
	assert.Equal(t, model.StopCancelledByUser, stop)
	assert.Less(t, time.Since(start), 5*time.Second)
}
