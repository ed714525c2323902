//
// Tencent is pleased to support the open source community by making trpc-flow-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-flow-go is licensed under the Apache License Version 2.0.
//
//

// Package telemetry holds the OpenTelemetry instrumentation entry points
// shared by the executors. The tracer delegates to the globally registered
// provider, so wiring an exporter is the responsibility of the host process.
package telemetry

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentName identifies this module in exported spans.
const InstrumentName = "trpc.group/trpc-go/trpc-flow-go"

// Tracer is the tracer used by executors for per-step and per-loop spans.
var Tracer trace.Tracer = otel.Tracer(InstrumentName)

// Span attribute keys used across the engine.
const (
	KeyTaskID   = attribute.Key("flow.task.id")
	KeyStepID   = attribute.Key("flow.step.id")
	KeyStepName = attribute.Key("flow.step.name")
	KeyCallName = attribute.Key("flow.call.name")
	KeyToolName = attribute.Key("agent.tool.name")
	KeyAppID    = attribute.Key("flow.app.id")
)
