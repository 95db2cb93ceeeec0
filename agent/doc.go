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

// Package agent is the engine facade consumed by the API layer.
//
// A Service resolves stored connection records, leases pooled engines
// from the connection registry, supplies schema snapshots, evaluates
// candidate SQL with the policy gate and runs accepted batches through
// the executor. Every failure crosses the boundary as a *base.Error.
//
// Run chains all of these for one request:
//
//	resp, err := svc.Run(ctx, agent.Request{
//		OwnerID:      "owner-1",
//		ConnectionID: "conn-7",
//		SQL:          "SELECT name FROM products",
//	})
//
// A rejected batch returns the decision in resp together with a
// PolicyViolation error.
package agent
