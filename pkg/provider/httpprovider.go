package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/kestrel-run/agentrt/pkg/apperrors"
)

// HTTPProvider talks to any OpenAI-chat-completions-compatible endpoint over
// plain HTTP. The teacher's own LLM client (pkg/agent/llm_client.go) talks to
// a Python sidecar over gRPC; that dependency was dropped (see DESIGN.md)
// since introducing grpc/protobuf just to reach a JSON-speaking HTTP API
// the runtime could call directly would add a second RPC stack for no
// benefit. The request/response field mapping below still follows the
// teacher's GenerateInput/Chunk shape — system/user/assistant roles in,
// text/usage chunks out.
type HTTPProvider struct {
	id       string
	name     string
	models   []string
	baseURL  string
	apiKey   string
	client   *http.Client
}

// NewHTTPProvider builds an HTTPProvider for the given model ids, talking to
// baseURL (e.g. "https://api.openai.com/v1" or a local vLLM/Ollama gateway).
func NewHTTPProvider(id, name, baseURL, apiKey string, models []string, timeout time.Duration) *HTTPProvider {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPProvider{
		id:      id,
		name:    name,
		models:  models,
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

func (p *HTTPProvider) ID() string        { return p.id }
func (p *HTTPProvider) Name() string      { return p.name }
func (p *HTTPProvider) ModelIDs() []string { return p.models }

// IsAvailable hits the provider's models listing endpoint; a provider whose
// request fails at the transport level or answers with a 5xx status here is
// never registered with the Router (spec §4.3 "only available providers are
// registered"). Any status below 500 counts as available.
func (p *HTTPProvider) IsAvailable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/models", nil)
	if err != nil {
		return false
	}
	p.authorize(req)
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode < 500
}

func (p *HTTPProvider) authorize(req *http.Request) {
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
	req.Header.Set("Content-Type", "application/json")
}

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionRequest struct {
	Model    string        `json:"model"`
	Messages []wireMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

type chatCompletionChoice struct {
	Message      wireMessage `json:"message"`
	Delta        wireMessage `json:"delta"`
	FinishReason string      `json:"finish_reason"`
}

type chatCompletionUsage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
}

type chatCompletionResponse struct {
	Model   string                  `json:"model"`
	Choices []chatCompletionChoice  `json:"choices"`
	Usage   chatCompletionUsage     `json:"usage"`
}

func toWireMessages(msgs []Message) []wireMessage {
	out := make([]wireMessage, len(msgs))
	for i, m := range msgs {
		out[i] = wireMessage{Role: m.Role, Content: m.Content}
	}
	return out
}

// Chat issues a single non-streaming completion request.
func (p *HTTPProvider) Chat(ctx context.Context, req Request) (Response, error) {
	started := time.Now()
	body, err := json.Marshal(chatCompletionRequest{Model: req.Model, Messages: toWireMessages(req.Messages)})
	if err != nil {
		return Response{}, apperrors.Wrap(apperrors.Internal, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return Response{}, apperrors.Wrap(apperrors.Internal, err)
	}
	p.authorize(httpReq)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return Response{}, classifyTransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Response{}, classifyHTTPStatus(resp.StatusCode, resp.Body)
	}

	var parsed chatCompletionResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return Response{}, apperrors.Wrap(apperrors.ProviderUnavailable, err)
	}
	if len(parsed.Choices) == 0 {
		return Response{}, apperrors.New(apperrors.ProviderUnavailable, "provider returned no choices")
	}

	return Response{
		Model:     req.Model,
		Content:   parsed.Choices[0].Message.Content,
		Provider:  p.id,
		InputTok:  parsed.Usage.PromptTokens,
		OutputTok: parsed.Usage.CompletionTokens,
		LatencyMS: time.Since(started).Milliseconds(),
	}, nil
}

// ChatStream issues a streaming completion request and parses the
// provider's server-sent-events framing ("data: {...}\n\n", terminated by
// "data: [DONE]"), delivering one Chunk per SSE line.
func (p *HTTPProvider) ChatStream(ctx context.Context, req Request) (<-chan Chunk, error) {
	body, err := json.Marshal(chatCompletionRequest{Model: req.Model, Messages: toWireMessages(req.Messages), Stream: true})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.Internal, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.Internal, err)
	}
	p.authorize(httpReq)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, classifyHTTPStatus(resp.StatusCode, resp.Body)
	}

	out := make(chan Chunk, 8)
	go func() {
		defer close(out)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		var tokenCount int64
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				select {
				case out <- Chunk{Model: req.Model, IsComplete: true, TokenCount: tokenCount}:
				case <-ctx.Done():
				}
				return
			}
			var parsed chatCompletionResponse
			if err := json.Unmarshal([]byte(data), &parsed); err != nil || len(parsed.Choices) == 0 {
				continue
			}
			tokenCount++
			select {
			case out <- Chunk{Content: parsed.Choices[0].Delta.Content, Model: req.Model, TokenCount: tokenCount}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func classifyTransportError(err error) error {
	return apperrors.WrapAs(apperrors.ProviderUnavailable, "provider transport error", err)
}

func classifyHTTPStatus(status int, body io.Reader) error {
	msg, _ := io.ReadAll(io.LimitReader(body, 4096))
	detail := strings.TrimSpace(string(msg))
	if detail == "" {
		detail = strconv.Itoa(status)
	}
	switch {
	case status == http.StatusTooManyRequests:
		return apperrors.New(apperrors.RateLimited, detail)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return apperrors.New(apperrors.Forbidden, detail)
	case status >= 500:
		return apperrors.New(apperrors.ProviderUnavailable, detail)
	default:
		return apperrors.New(apperrors.Validation, fmt.Sprintf("provider rejected request (%d): %s", status, detail))
	}
}
