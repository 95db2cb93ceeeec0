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

// Package credentials is the cipher store for connection URIs. URIs are kept
// encrypted at rest with AES-256-GCM and are only decrypted transiently when
// the registry builds a pool.
//
// The key is loaded once at startup from a KeySource: an environment variable,
// a file, or AWS Secrets Manager.
//
//	src := credentials.EnvKeySource{Var: "QUERYGATE_ENCRYPTION_KEY"}
//	store, err := credentials.Load(ctx, src)
//	ct, _ := store.Encrypt("postgres://app:secret@db:5432/app")
package credentials
