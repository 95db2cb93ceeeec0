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

// Package config loads the engine configuration.
//
// Configuration is read from an optional YAML file in which ${VAR},
// ${VAR:-default} and $VAR references are expanded from the environment.
// Missing fields keep their defaults, QUERYGATE_* variables override the
// key source and the records database, and the result is validated before
// use. Invalid configuration is reported as a single ConfigError listing
// every failing field.
package config
