// Package adapter defines the capability contract every backend must satisfy
// and the registry the dispatch engine resolves adapter names against.
// Provider implementations live in the sub-packages (openai, anthropic,
// gemini, pythonbridge); each one only translates a task into a plain prompt
// and the backend reply into a task.Response.
package adapter
