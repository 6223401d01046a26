// Package rag defines the boundary to the retrieval-augmented generation
// pipeline. The job core treats a Pipeline as opaque: it hands over the chat
// request plus two callbacks and reacts to whatever notifications come back.
package rag

import "context"

// Mode selects how a chat request is answered.
type Mode string

const (
	// ModePureLLM skips retrieval and streams the model's answer directly.
	ModePureLLM Mode = "PURE_LLM"
	// ModeRAGWithFallback retrieves context but falls back to the bare model
	// when nothing relevant is found.
	ModeRAGWithFallback Mode = "RAG_WITH_FALLBACK"
	// ModeRAGOnly answers strictly from retrieved context.
	ModeRAGOnly Mode = "RAG_ONLY"
)

// Request is the chat payload submitted by a client.
type Request struct {
	Message            string `json:"message"`
	UsePureLLM         bool   `json:"usePureLlm"`
	IncludeLLMFallback bool   `json:"includeLlmFallback"`
	RawRAG             bool   `json:"rawRag"`
}

// Mode resolves the request flags into a pipeline mode. Pure-LLM wins over
// the fallback flag when both are set.
func (r Request) Mode() Mode {
	switch {
	case r.UsePureLLM:
		return ModePureLLM
	case r.IncludeLLMFallback:
		return ModeRAGWithFallback
	default:
		return ModeRAGOnly
	}
}

// Answer is the synchronous chat result.
type Answer struct {
	Answer string `json:"answer"`
	Source string `json:"source"`
}

// StatusFunc receives free-text progress notifications from the pipeline.
// Completion and failure are signaled through recognized status messages
// (see jobs.Classify); the pipeline calls it sequentially, never concurrently.
type StatusFunc func(message string, progress int)

// ChunkFunc receives raw output-text fragments as the model streams them.
type ChunkFunc func(text string)

// Pipeline runs chat requests against the retrieval + LLM stack.
type Pipeline interface {
	// Chat answers the request synchronously.
	Chat(ctx context.Context, req Request) (*Answer, error)

	// ChatStream answers the request incrementally, reporting progress via
	// onStatus and output fragments via onChunk. A non-nil error means the
	// stream could not be set up at all; once streaming has begun, failures
	// are reported through onStatus and the return value is nil.
	ChatStream(ctx context.Context, req Request, onStatus StatusFunc, onChunk ChunkFunc) error
}

// Document is one retrieved context fragment.
type Document struct {
	Content string
	Score   float64
}

// Retriever looks up context documents for a query. Implementations wrap a
// vector store; a nil Retriever means no context is ever found.
type Retriever interface {
	Retrieve(ctx context.Context, query string, topK int) ([]Document, error)
}

// Status messages recognized by the job layer as terminal. Kept identical to
// the values external dashboards already match on.
const (
	StatusCompleted      = "COMPLETED"
	StatusStreamComplete = "LLM stream complete"

	ErrPrefixLLMStream        = "LLM stream error: "
	ErrPrefixStreamProcessing = "Stream processing error: "
	ErrPrefixStreamingSetup   = "Error during streaming: "
)
