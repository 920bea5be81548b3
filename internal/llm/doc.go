// Package llm defines the chat-completion boundary used by the agent loop.
// Providers live in sub-packages: openai talks to any OpenAI-compatible
// endpoint (OpenRouter by default) and scriptbridge delegates to an external
// process over JSON on stdin/stdout.
package llm
