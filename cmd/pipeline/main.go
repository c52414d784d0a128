// Copyright 2025 StudyMesh
// SPDX-License-Identifier: BUSL-1.1

// Package main is the entry point for the StudyMesh pipeline service.
//
// The pipeline answers student questions through layered reliability
// checks: input classification, context assembly from the knowledge
// store, multi-provider LLM invocation with fallback, response
// validation, personalization, and a compliance gate with an audit
// trail.
//
// Usage:
//
//	./pipeline
//
// Environment Variables:
//
//	STUDYMESH_CONFIG - path to the YAML config file (optional)
//	STUDYMESH_REDIS_ADDR - response cache address (default: localhost:6379)
//	STUDYMESH_POSTGRES_URL - fact store and audit trail connection string
//	STUDYMESH_MONGO_URI - conversation memory connection string
//	STUDYMESH_LISTEN_ADDR - HTTP listen address (default: :8080)
package main

import (
	"studymesh/platform/pipeline"
)

func main() {
	pipeline.Run()
}
