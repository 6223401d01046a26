package rag

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

const noContextAnswer = "I could not find any relevant context for that question."

// StaticPipeline produces deterministic answers without calling any external
// service. It keeps the server fully operational in local and CI environments
// and doubles as the fallback when no provider is configured.
type StaticPipeline struct{}

func NewStaticPipeline() *StaticPipeline {
	return &StaticPipeline{}
}

func (s *StaticPipeline) Chat(ctx context.Context, req Request) (*Answer, error) {
	return &Answer{Answer: s.render(req), Source: "RAG"}, nil
}

func (s *StaticPipeline) ChatStream(ctx context.Context, req Request, onStatus StatusFunc, onChunk ChunkFunc) error {
	if req.Mode() != ModePureLLM {
		onStatus("Querying context", 20)
	}
	onStatus("Generating answer", 60)
	answer := s.render(req)
	for _, word := range strings.SplitAfter(answer, " ") {
		onChunk(word)
	}
	onStatus(StatusStreamComplete, 100)
	return nil
}

func (s *StaticPipeline) render(req Request) string {
	topic := strings.TrimSpace(req.Message)
	if topic == "" {
		return noContextAnswer
	}
	c := cases.Title(language.Und)
	return fmt.Sprintf("%s: no knowledge base is configured, so this is a canned answer.", c.String(topic))
}

var _ Pipeline = (*StaticPipeline)(nil)
var _ Pipeline = (*OpenAIPipeline)(nil)
