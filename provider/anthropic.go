package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"parley/model"
	"parley/stream"
)

const (
	// DefaultBaseURL is the messages endpoint host used when config leaves
	// the base URL empty.
	DefaultBaseURL = "https://api.anthropic.com"

	messagesPath = "/v1/messages"
	apiVersion   = "2023-06-01"

	// requestTimeout is the wall-clock ceiling for one full streamed
	// exchange.
	requestTimeout = 5 * time.Minute

	// errorBodyLimit bounds how much of a non-2xx body is read back.
	errorBodyLimit = 64 * 1024
)

var (
	ErrMissingAPIKey = errors.New("api key is required")
	ErrRequestFailed = errors.New("request failed")
)

// Client streams chat completions over the SSE wire. Response frames are
// republished on the bus as they arrive.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	bus        *model.Bus
}

// NewClient creates a client. An empty baseURL falls back to
// DefaultBaseURL; a missing API key is a configuration error.
func NewClient(baseURL, apiKey string, bus *model.Bus) (*Client, error) {
	if apiKey == "" {
		return nil, ErrMissingAPIKey
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		httpClient: &http.Client{},
		baseURL:    baseURL,
		apiKey:     apiKey,
		bus:        bus,
	}, nil
}

// Stream posts the request and assembles the streamed response into one
// assistant turn. Cancellation returns the partial turn with stop reason
// cancelled_by_user and a nil error; protocol and server errors return the
// partial turn alongside the error so assembled content can survive.
func (c *Client) Stream(ctx context.Context, req *Request) (model.Message, model.StopReason, model.Usage, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return model.Message{}, "", model.Usage{}, fmt.Errorf("encode request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+messagesPath, bytes.NewReader(body))
	if err != nil {
		return model.Message{}, "", model.Usage{}, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("X-Api-Key", c.apiKey)
	httpReq.Header.Set("Anthropic-Version", apiVersion)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.bus.Text(model.EventError, fmt.Sprintf("request failed: %v", err))
		return model.Message{}, "", model.Usage{}, fmt.Errorf("%w: %v", ErrRequestFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
		c.bus.Text(model.EventError, fmt.Sprintf("status %d: %s", resp.StatusCode, detail))
		return model.Message{}, "", model.Usage{}, fmt.Errorf("%w: status %d: %s", ErrRequestFailed, resp.StatusCode, detail)
	}

	asm := stream.NewAssembler(c.bus)
	dec := stream.NewDecoder(resp.Body)
	err = dec.Decode(ctx, asm.Handle)

	switch {
	case err == nil:
		msg, stop, usage := asm.Finish(false)
		return msg, stop, usage, nil

	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		msg, stop, usage := asm.Finish(true)
		return msg, stop, usage, nil

	case errors.Is(err, stream.ErrProtocol):
		c.bus.Text(model.EventError, fmt.Sprintf("protocol error: %v", err))
		msg, stop, usage := asm.Finish(false)
		return msg, stop, usage, err

	case errors.Is(err, stream.ErrServer):
		// The assembler already republished the server's error frame.
		msg, stop, usage := asm.Finish(false)
		return msg, stop, usage, err

	default:
		slog.Error("stream read failed", "err", err)
		c.bus.Text(model.EventError, fmt.Sprintf("stream read failed: %v", err))
		msg, stop, usage := asm.Finish(false)
		return msg, stop, usage, fmt.Errorf("%w: %v", ErrRequestFailed, err)
	}
}
