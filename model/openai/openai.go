//
// Tencent is pleased to support the open source community by making trpc-flow-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-flow-go is licensed under the Apache License Version 2.0.
//
//

// Package openai provides an OpenAI-compatible implementation of the model
// interfaces. It works with any endpoint speaking the chat-completions
// protocol via the base-URL option.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	openai "github.com/openai/openai-go"
	openaiopt "github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"trpc.group/trpc-go/trpc-flow-go/model"
)

const defaultChannelBufferSize = 256

// Model implements model.Model and model.StructuredGenerator on top of the
// OpenAI chat-completions API.
type Model struct {
	name              string
	client            openai.Client
	channelBufferSize int
}

// Option configures the Model.
type Option func(*options)

type options struct {
	apiKey            string
	baseURL           string
	channelBufferSize int
}

// WithAPIKey sets the API key.
func WithAPIKey(key string) Option {
	return func(o *options) {
		o.apiKey = key
	}
}

// WithBaseURL sets a custom endpoint for OpenAI-compatible providers.
func WithBaseURL(url string) Option {
	return func(o *options) {
		o.baseURL = url
	}
}

// WithChannelBufferSize sets the response channel buffer size (default: 256).
func WithChannelBufferSize(size int) Option {
	return func(o *options) {
		if size > 0 {
			o.channelBufferSize = size
		}
	}
}

// New creates a new OpenAI-backed model with the given model name.
func New(name string, opts ...Option) *Model {
	o := options{channelBufferSize: defaultChannelBufferSize}
	for _, opt := range opts {
		opt(&o)
	}

	var clientOpts []openaiopt.RequestOption
	if o.apiKey != "" {
		clientOpts = append(clientOpts, openaiopt.WithAPIKey(o.apiKey))
	}
	if o.baseURL != "" {
		clientOpts = append(clientOpts, openaiopt.WithBaseURL(o.baseURL))
	}

	return &Model{
		name:              name,
		client:            openai.NewClient(clientOpts...),
		channelBufferSize: o.channelBufferSize,
	}
}

// Name returns the model name.
func (m *Model) Name() string {
	return m.name
}

// GenerateContent implements the model.Model interface.
func (m *Model) GenerateContent(
	ctx context.Context,
	request *model.Request,
) (<-chan *model.Response, error) {
	if request == nil {
		return nil, errors.New("request cannot be nil")
	}

	chatRequest := m.buildChatRequest(request)
	responseChan := make(chan *model.Response, m.channelBufferSize)

	go func() {
		defer close(responseChan)
		if request.Stream {
			m.handleStreamingResponse(ctx, chatRequest, responseChan)
		} else {
			m.handleNonStreamingResponse(ctx, chatRequest, responseChan)
		}
	}()

	return responseChan, nil
}

// GenerateStructured implements the model.StructuredGenerator interface using
// native structured outputs.
func (m *Model) GenerateStructured(
	ctx context.Context,
	request *model.Request,
	jsonSchema map[string]any,
) (map[string]any, error) {
	if request == nil {
		return nil, errors.New("request cannot be nil")
	}

	chatRequest := m.buildChatRequest(request)
	chatRequest.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
		OfJSONSchema: &shared.ResponseFormatJSONSchemaParam{
			JSONSchema: shared.ResponseFormatJSONSchemaJSONSchemaParam{
				Name:   "structured_output",
				Schema: jsonSchema,
				Strict: openai.Bool(true),
			},
		},
	}

	completion, err := m.client.Chat.Completions.New(ctx, chatRequest)
	if err != nil {
		return nil, fmt.Errorf("structured generation failed: %w", err)
	}
	if len(completion.Choices) == 0 {
		return nil, errors.New("structured generation returned no choices")
	}

	var result map[string]any
	if err := json.Unmarshal([]byte(completion.Choices[0].Message.Content), &result); err != nil {
		return nil, fmt.Errorf("structured generation returned invalid JSON: %w", err)
	}
	return result, nil
}

// buildChatRequest converts a model.Request to the OpenAI request shape.
func (m *Model) buildChatRequest(request *model.Request) openai.ChatCompletionNewParams {
	chatRequest := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(m.name),
		Messages: convertMessages(request.Messages),
	}
	if request.MaxTokens != nil {
		chatRequest.MaxCompletionTokens = openai.Int(int64(*request.MaxTokens))
	}
	if request.Temperature != nil {
		chatRequest.Temperature = openai.Float(*request.Temperature)
	}
	if request.Stream {
		chatRequest.StreamOptions = openai.ChatCompletionStreamOptionsParam{
			IncludeUsage: openai.Bool(true),
		}
	}
	return chatRequest
}

// convertMessages converts engine messages to OpenAI message params.
func convertMessages(messages []model.Message) []openai.ChatCompletionMessageParamUnion {
	result := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case model.RoleSystem:
			result = append(result, openai.SystemMessage(msg.Content))
		case model.RoleAssistant:
			result = append(result, openai.AssistantMessage(msg.Content))
		default:
			result = append(result, openai.UserMessage(msg.Content))
		}
	}
	return result
}

// handleStreamingResponse handles streaming chat completion responses.
func (m *Model) handleStreamingResponse(
	ctx context.Context,
	chatRequest openai.ChatCompletionNewParams,
	responseChan chan<- *model.Response,
) {
	stream := m.client.Chat.Completions.NewStreaming(ctx, chatRequest)
	defer stream.Close()

	acc := openai.ChatCompletionAccumulator{}
	for stream.Next() {
		chunk := stream.Current()
		acc.AddChunk(chunk)

		if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == "" {
			continue
		}
		response := &model.Response{Delta: chunk.Choices[0].Delta.Content}
		select {
		case responseChan <- response:
		case <-ctx.Done():
			return
		}
	}

	final := &model.Response{Done: true}
	if err := stream.Err(); err != nil {
		final.Error = &model.ResponseError{
			Message: err.Error(),
			Type:    model.ErrorTypeStreamError,
		}
	} else {
		if len(acc.Choices) > 0 {
			final.Message = model.NewAssistantMessage(acc.Choices[0].Message.Content)
		}
		final.Usage = &model.Usage{
			PromptTokens:     int(acc.Usage.PromptTokens),
			CompletionTokens: int(acc.Usage.CompletionTokens),
			TotalTokens:      int(acc.Usage.TotalTokens),
		}
	}
	select {
	case responseChan <- final:
	case <-ctx.Done():
	}
}

// handleNonStreamingResponse handles non-streaming chat completion responses.
func (m *Model) handleNonStreamingResponse(
	ctx context.Context,
	chatRequest openai.ChatCompletionNewParams,
	responseChan chan<- *model.Response,
) {
	completion, err := m.client.Chat.Completions.New(ctx, chatRequest)
	if err != nil {
		response := &model.Response{
			Done: true,
			Error: &model.ResponseError{
				Message: err.Error(),
				Type:    model.ErrorTypeAPIError,
			},
		}
		select {
		case responseChan <- response:
		case <-ctx.Done():
		}
		return
	}

	response := &model.Response{Done: true}
	if len(completion.Choices) > 0 {
		content := completion.Choices[0].Message.Content
		response.Delta = content
		response.Message = model.NewAssistantMessage(content)
	}
	response.Usage = &model.Usage{
		PromptTokens:     int(completion.Usage.PromptTokens),
		CompletionTokens: int(completion.Usage.CompletionTokens),
		TotalTokens:      int(completion.Usage.TotalTokens),
	}
	select {
	case responseChan <- response:
	case <-ctx.Done():
	}
}
