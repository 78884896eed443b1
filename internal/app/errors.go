package app

import "errors"

// Sentinel errors Pipeline.Call reports through worker.Pipeline.OnResult;
// app.go's OnResult maps these to protocol error codes for the client.
var (
	errASRFailed       = errors.New("app: speech recognition failed")
	errLLMFailed       = errors.New("app: llm completion failed")
	errNoLLMConfigured = errors.New("app: no llm provider configured")
)
