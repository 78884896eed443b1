package worker

import "errors"

// ErrLLMTimeout is reported via Pipeline.OnResult when a call exceeds its
// configured ceiling (spec.md §4.7, reference 30s; scenario 5 in §8).
var ErrLLMTimeout = errors.New("worker: llm call exceeded timeout")
