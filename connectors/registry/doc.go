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
Package registry owns the pooled database handles for stored connections.

A Registry keeps at most one Engine per connection id. Callers borrow an
engine through a Lease and must Release it:

	lease, err := reg.Acquire(ctx, rec.ID, rec.EncryptedURI)
	if err != nil {
		return err
	}
	defer lease.Release()

Engines are rebuilt when the stored ciphertext changes and dropped on
Invalidate or after IdleTTL without a lease. A retired engine keeps serving
the leases already handed out and closes when the last one is released.

The package also provides RecordStore, the read-only view of the
user_connections table that maps (owner, connection id) to an encrypted URI.
*/
package registry
