// Copyright 2025 StudyMesh
// SPDX-License-Identifier: BUSL-1.1

/*
Package logger provides structured JSON logging for StudyMesh pipeline
components.

Each log entry is a single JSON line on stdout carrying:
  - Timestamp (RFC3339Nano format)
  - Log level (DEBUG, INFO, WARN, ERROR)
  - Component name (pipeline, classifier, invoker, etc.)
  - Instance ID and container name (for distributed tracing)
  - User ID and Query ID (for per-request correlation)
  - Custom fields

Create a logger for your component:

	log := logger.New("validator")

Log messages with request context:

	log.Info("user-123", "q-456", "validation complete", map[string]interface{}{
	    "confidence": 0.82,
	    "depth":      "enhanced",
	})

Logger instances are safe for concurrent use from multiple goroutines.
*/
package logger
