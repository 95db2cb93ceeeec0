// Copyright 2025 AxonFlow
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

/*
Package logger provides structured JSON logging for QueryGate components.

# Overview

Entries are written as JSON to stdout through a zap core so they can be
shipped to CloudWatch, ELK or any other aggregator without parsing.

Each log entry includes:
  - Timestamp (RFC3339Nano format)
  - Log level (DEBUG, INFO, WARN, ERROR)
  - Component name (registry, gate, executor, ...)
  - Instance ID and container name
  - Connection ID of the target database, when there is one
  - Request ID for correlation
  - Custom fields, flattened into the entry

# Usage

	log := logger.New("registry")
	log.Info(connID, reqID, "engine created", map[string]interface{}{
		"driver": "postgres",
	})

Never pass decrypted connection URIs or raw driver errors in fields. Callers
mask them first with base.SanitizeLogString or base.RedactDSN.

# Testing

NewWithCore accepts any zapcore.Core, so tests can attach
zap/zaptest/observer and assert on the emitted entries.
*/
package logger
