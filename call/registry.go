//
// Tencent is pleased to support the open source community by making trpc-flow-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-flow-go is licensed under the Apache License Version 2.0.
//
//

package call

import (
	"fmt"
	"sync"

	"trpc.group/trpc-go/trpc-flow-go/model"
)

// Reserved identifiers of the built-in calls, resolvable without any external
// catalog lookup.
const (
	IDEmpty            = "empty"
	IDSummarizeContext = "summarize_context"
	IDExtractFacts     = "extract_facts"
	IDAutoFill         = "auto_fill"
	IDLLM              = "llm"
	IDChoice           = "choice"
	IDSuggest          = "suggest"
)

// Deps bundles the collaborators a call factory may draw on. Fields are
// optional; factories that require a missing dependency fail at resolve time.
type Deps struct {
	// Model produces text given messages.
	Model model.Model
	// Structured produces a structured object given a JSON schema.
	Structured model.StructuredGenerator
	// FactsSink receives extracted facts after a successful extract-facts run.
	FactsSink func(facts []string)
}

// Factory builds a call instance from the merged node-level and step-level
// parameters.
type Factory func(deps Deps, params map[string]any) (Call, error)

// ResolutionError reports that a call identifier cannot be resolved or that a
// resolved implementation fails the structural contract. It is fatal to the
// current step and never retried, unlike a recoverable *call.Error.
type ResolutionError struct {
	// ID is the identifier that failed to resolve.
	ID string
	// Reason describes the failure.
	Reason string
}

// Error implements the error interface.
func (e *ResolutionError) Error() string {
	return fmt.Sprintf("call %q cannot be resolved: %s", e.ID, e.Reason)
}

// Registry resolves call implementations by string identifier. The contract
// is validated once at registration time, not per invocation.
type Registry struct {
	mu        sync.RWMutex
	deps      Deps
	factories map[string]Factory
}

// NewRegistry creates a registry pre-populated with the built-in calls.
func NewRegistry(deps Deps) *Registry {
	r := &Registry{deps: deps, factories: make(map[string]Factory)}
	r.factories[IDEmpty] = newEmpty
	r.factories[IDSummarizeContext] = newSummarizeContext
	r.factories[IDExtractFacts] = newExtractFacts
	r.factories[IDAutoFill] = newAutoFillFromParams
	r.factories[IDLLM] = newLLM
	r.factories[IDChoice] = newChoice
	r.factories[IDSuggest] = newSuggest
	return r
}

// Register adds a factory under id. Registering a nil factory, an empty id,
// or an already-taken id (built-ins included) is rejected.
func (r *Registry) Register(id string, factory Factory) error {
	if id == "" {
		return &ResolutionError{ID: id, Reason: "empty identifier"}
	}
	if factory == nil {
		return &ResolutionError{ID: id, Reason: "nil factory"}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[id]; exists {
		return &ResolutionError{ID: id, Reason: "identifier already registered"}
	}
	r.factories[id] = factory
	return nil
}

// Resolve builds a call instance for id with the given parameters. An unknown
// id, a failing factory, or an instance without a declaration all yield a
// *ResolutionError.
func (r *Registry) Resolve(id string, params map[string]any) (Call, error) {
	r.mu.RLock()
	factory, ok := r.factories[id]
	r.mu.RUnlock()
	if !ok {
		return nil, &ResolutionError{ID: id, Reason: "unknown identifier"}
	}
	c, err := factory(r.deps, params)
	if err != nil {
		return nil, &ResolutionError{ID: id, Reason: err.Error()}
	}
	if c == nil || c.Declaration() == nil || c.Declaration().Name == "" {
		return nil, &ResolutionError{ID: id, Reason: "implementation has no declaration"}
	}
	return c, nil
}
