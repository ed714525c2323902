//
// Tencent is pleased to support the open source community by making trpc-flow-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-flow-go is licensed under the Apache License Version 2.0.
//
//

// Package model defines the LLM capability consumed by Calls and planners:
// produce text given messages, and produce a structured object given a JSON
// schema, both possibly streamed. Vendor protocols live behind this interface.
package model

import "context"

// Role represents the role of a message author.
type Role string

// Role constants for message authors.
const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// String returns the string representation of the role.
func (r Role) String() string {
	return string(r)
}

// Message represents a single message in a conversation.
type Message struct {
	// Role is the role of the message author.
	Role Role `json:"role"`
	// Content is the message content.
	Content string `json:"content"`
}

// NewSystemMessage creates a new system message.
func NewSystemMessage(content string) Message {
	return Message{Role: RoleSystem, Content: content}
}

// NewUserMessage creates a new user message.
func NewUserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// NewAssistantMessage creates a new assistant message.
func NewAssistantMessage(content string) Message {
	return Message{Role: RoleAssistant, Content: content}
}

// Request is the request to the model.
type Request struct {
	// Messages is the conversation history.
	Messages []Message `json:"messages"`

	// MaxTokens is the maximum number of tokens to generate.
	MaxTokens *int `json:"max_tokens,omitempty"`

	// Temperature controls randomness (0.0 to 2.0).
	Temperature *float64 `json:"temperature,omitempty"`

	// Stream indicates whether to stream the response.
	Stream bool `json:"stream"`
}

// Usage represents token usage of one model invocation.
type Usage struct {
	// PromptTokens is the number of input tokens consumed.
	PromptTokens int `json:"prompt_tokens"`
	// CompletionTokens is the number of output tokens produced.
	CompletionTokens int `json:"completion_tokens"`
	// TotalTokens is the total number of tokens consumed.
	TotalTokens int `json:"total_tokens"`
}

// ResponseError carries an error surfaced inside a response stream.
// Note: this is different from function-level errors returned by
// GenerateContent, which indicate the request never started.
type ResponseError struct {
	// Message is the human-readable error message.
	Message string `json:"message"`
	// Type is the error category, e.g. "api_error" or "stream_error".
	Type string `json:"type"`
}

// Error type constants for ResponseError.Type.
const (
	ErrorTypeStreamError = "stream_error"
	ErrorTypeAPIError    = "api_error"
)

// Response is one element of a model response stream. For streaming requests
// each element carries an incremental Delta; the final element has Done set
// and carries the aggregate Message and Usage.
type Response struct {
	// Delta is the incremental content of this chunk.
	Delta string `json:"delta,omitempty"`
	// Message is the aggregated message, populated on the final response.
	Message Message `json:"message,omitempty"`
	// Done indicates the stream is complete.
	Done bool `json:"done"`
	// Usage is the token usage, populated on the final response when known.
	Usage *Usage `json:"usage,omitempty"`
	// Error is set when the stream failed mid-flight.
	Error *ResponseError `json:"error,omitempty"`
}

// Model produces text given messages. Implementations must close the
// returned channel when the stream ends and must honor ctx cancellation.
type Model interface {
	// GenerateContent generates content from the request, streamed as one
	// or more responses on the returned channel.
	GenerateContent(ctx context.Context, request *Request) (<-chan *Response, error)
}

// StructuredGenerator produces a structured object conforming to a JSON
// schema. Implementations may be backed by native structured outputs or by
// prompt-level constraints.
type StructuredGenerator interface {
	// GenerateStructured generates an object matching jsonSchema.
	GenerateStructured(ctx context.Context, request *Request, jsonSchema map[string]any) (map[string]any, error)
}
