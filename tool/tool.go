//
// Tencent is pleased to support the open source community by making trpc-flow-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-flow-go is licensed under the Apache License Version 2.0.
//
//

// Package tool defines the contracts the agent executor consumes to discover
// and invoke external tools, plus a client pool keyed by (server, user).
package tool

import (
	"context"
)

// Descriptor describes one tool an agent may call.
type Descriptor struct {
	// Name is the tool identifier the planner selects by.
	Name string `json:"name"`
	// Description is the catalog text shown to the planner.
	Description string `json:"description,omitempty"`
	// ServerID identifies the tool server hosting the tool.
	ServerID string `json:"server_id,omitempty"`
	// InputSchema is the JSON schema of the tool's arguments.
	InputSchema map[string]any `json:"input_schema,omitempty"`
}

// Result is the outcome of one tool invocation.
type Result struct {
	// Text is the concatenated textual content of the result.
	Text string `json:"text,omitempty"`
	// Structured is the structured payload, when the server returned one.
	Structured any `json:"structured,omitempty"`
	// IsError marks a tool-level failure reported inside a successful
	// transport exchange.
	IsError bool `json:"is_error,omitempty"`
}

// Client invokes tools on one tool server for one user.
type Client interface {
	// ListTools returns the tools the server exposes.
	ListTools(ctx context.Context) ([]*Descriptor, error)
	// CallTool invokes name with args.
	CallTool(ctx context.Context, name string, args map[string]any) (*Result, error)
	// Close releases the underlying connection.
	Close() error
}

// Resolver lists the tools enabled for an application and user. It is backed
// by the external catalog.
type Resolver interface {
	ResolveTools(ctx context.Context, appID, userID string) ([]*Descriptor, error)
}

// Pool hands out tool clients keyed by (server, user) and releases them on
// Stop. Clients acquired for an agent run must be stopped on every exit path.
type Pool interface {
	// Get returns the pooled client for the key, creating it when absent.
	Get(ctx context.Context, serverID, userID string) (Client, error)
	// Stop closes and evicts the client for the key. Stopping an absent key
	// is a no-op.
	Stop(serverID, userID string) error
}
