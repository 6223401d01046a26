package rag

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/rs/zerolog"
)

// OpenAIOptions configures the OpenAI-compatible chat pipeline.
type OpenAIOptions struct {
	APIKey              string
	Model               string
	BaseURL             string
	Organization        string
	HTTPClient          *http.Client
	Retriever           Retriever
	TopK                int
	SimilarityThreshold float64
	Logger              *zerolog.Logger
}

// OpenAIPipeline answers chat requests via an OpenAI-style chat-completions
// endpoint, optionally grounding them in documents from a Retriever.
type OpenAIPipeline struct {
	apiKey       string
	model        string
	baseURL      string
	organization string
	client       *http.Client
	retriever    Retriever
	topK         int
	threshold    float64
	logger       zerolog.Logger
}

const (
	defaultOpenAIModel = "gpt-4o-mini"
	defaultTopK        = 5
)

const systemPrompt = "You are a helpful assistant. Answer the question using the provided context when it is given; say so when the context does not contain the answer."

type openAIChatRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	Temperature float64         `json:"temperature,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIChatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

type openAIStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// NewOpenAIPipeline validates the options and builds the pipeline.
func NewOpenAIPipeline(opts OpenAIOptions) (*OpenAIPipeline, error) {
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, errors.New("openai api key is required")
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	model := strings.TrimSpace(opts.Model)
	if model == "" {
		model = defaultOpenAIModel
	}
	client := opts.HTTPClient
	if client == nil {
		// No overall timeout: streamed completions can legitimately run for
		// minutes. Cancellation comes from the request context.
		client = &http.Client{}
	}
	topK := opts.TopK
	if topK <= 0 {
		topK = defaultTopK
	}
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	return &OpenAIPipeline{
		apiKey:       strings.TrimSpace(opts.APIKey),
		model:        model,
		baseURL:      baseURL,
		organization: strings.TrimSpace(opts.Organization),
		client:       client,
		retriever:    opts.Retriever,
		topK:         topK,
		threshold:    opts.SimilarityThreshold,
		logger:       logger,
	}, nil
}

// Chat answers the request in one blocking round trip.
func (p *OpenAIPipeline) Chat(ctx context.Context, req Request) (*Answer, error) {
	docs, err := p.retrieve(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("retrieve context: %w", err)
	}
	if len(docs) == 0 && req.Mode() == ModeRAGOnly {
		return &Answer{Answer: noContextAnswer, Source: "RAG"}, nil
	}

	payload := p.chatPayload(req, docs, false)
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(payload); err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	httpReq, err := p.newRequest(ctx, &buf)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("openai request: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("openai status %d", resp.StatusCode)
	}
	var out openAIChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(out.Choices) == 0 {
		return nil, errors.New("openai returned no choices")
	}
	source := "LLM"
	if len(docs) > 0 {
		source = "RAG"
	}
	return &Answer{Answer: strings.TrimSpace(out.Choices[0].Message.Content), Source: source}, nil
}

// ChatStream answers the request incrementally. Retrieval and request setup
// happen synchronously and report failures through the returned error; once
// the model stream is open, progress and failures flow through onStatus.
func (p *OpenAIPipeline) ChatStream(ctx context.Context, req Request, onStatus StatusFunc, onChunk ChunkFunc) error {
	mode := req.Mode()

	var docs []Document
	if mode != ModePureLLM {
		onStatus("Querying context", 20)
		var err error
		docs, err = p.retrieve(ctx, req)
		if err != nil {
			return fmt.Errorf("retrieve context: %w", err)
		}
		if len(docs) == 0 && mode == ModeRAGOnly {
			onStatus("No context found, stream complete", 90)
			onChunk(noContextAnswer)
			onStatus(StatusCompleted, 100)
			return nil
		}
	}

	onStatus("Generating answer", 40)
	payload := p.chatPayload(req, docs, true)
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(payload); err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	httpReq, err := p.newRequest(ctx, &buf)
	if err != nil {
		return err
	}
	httpReq.Header.Set("Accept", "text/event-stream")
	resp, err := p.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("openai request: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("openai status %d", resp.StatusCode)
	}

	if err := p.consumeStream(resp, onChunk); err != nil {
		onStatus(ErrPrefixLLMStream+err.Error(), 100)
		return nil
	}
	if mode == ModeRAGOnly {
		onStatus(StatusCompleted, 100)
	} else {
		onStatus(StatusStreamComplete, 100)
	}
	return nil
}

// consumeStream reads the chat-completions SSE wire format and forwards each
// content delta to onChunk.
func (p *OpenAIPipeline) consumeStream(resp *http.Response, onChunk ChunkFunc) error {
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" || data == "[DONE]" {
			continue
		}
		var chunk openAIStreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			p.logger.Warn().Err(err).Msg("openai: skipping malformed stream chunk")
			continue
		}
		for _, choice := range chunk.Choices {
			if choice.Delta.Content != "" {
				onChunk(choice.Delta.Content)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return nil
}

func (p *OpenAIPipeline) retrieve(ctx context.Context, req Request) ([]Document, error) {
	if req.Mode() == ModePureLLM || p.retriever == nil {
		return nil, nil
	}
	docs, err := p.retriever.Retrieve(ctx, req.Message, p.topK)
	if err != nil {
		return nil, err
	}
	kept := docs[:0]
	for _, d := range docs {
		if d.Score >= p.threshold {
			kept = append(kept, d)
		}
	}
	return kept, nil
}

func (p *OpenAIPipeline) chatPayload(req Request, docs []Document, stream bool) openAIChatRequest {
	user := req.Message
	if len(docs) > 0 {
		var ctxText strings.Builder
		for i, d := range docs {
			if i > 0 {
				ctxText.WriteString("\n---\n")
			}
			ctxText.WriteString(d.Content)
		}
		user = fmt.Sprintf("Context:\n%s\n\nQuestion: %s", ctxText.String(), req.Message)
	}
	return openAIChatRequest{
		Model:       p.model,
		Temperature: 0.2,
		Stream:      stream,
		Messages: []openAIMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: user},
		},
	}
}

func (p *OpenAIPipeline) newRequest(ctx context.Context, body *bytes.Buffer) (*http.Request, error) {
	endpoint := fmt.Sprintf("%s/chat/completions", p.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	if p.organization != "" {
		httpReq.Header.Set("OpenAI-Organization", p.organization)
	}
	return httpReq, nil
}
