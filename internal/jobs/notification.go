package jobs

import (
	"strings"

	"ragserver/internal/rag"
)

// Notification is the typed form of a pipeline status callback. Classification
// happens once, here; the rest of the job layer switches on the variant instead
// of re-matching message text.
type Notification interface {
	notification()
}

// Progress is an intermediate status update.
type Progress struct {
	Message string
	Percent int
}

// Success signals that the stream finished and the job should complete.
type Success struct {
	Message string
}

// Failure signals a terminal pipeline error.
type Failure struct {
	Error string
}

func (Progress) notification() {}
func (Success) notification()  {}
func (Failure) notification()  {}

// Messages historically emitted by the pipeline to signal completion.
var completionMessages = map[string]struct{}{
	rag.StatusCompleted:      {},
	rag.StatusStreamComplete: {},
}

// Message prefixes historically emitted by the pipeline to signal failure.
var failurePrefixes = []string{
	rag.ErrPrefixLLMStream,
	rag.ErrPrefixStreamProcessing,
	rag.ErrPrefixStreamingSetup,
}

// Classify maps a raw status callback to a typed notification. The sentinel
// set is a compatibility contract with existing pipeline implementations and
// their dashboards; matching is case-sensitive, completion additionally
// requires progress 100.
func Classify(message string, progress int) Notification {
	for _, prefix := range failurePrefixes {
		if strings.HasPrefix(message, prefix) {
			return Failure{Error: message}
		}
	}
	if _, ok := completionMessages[message]; ok && progress == 100 {
		return Success{Message: message}
	}
	return Progress{Message: message, Percent: progress}
}
