// Copyright 2025 PgScope
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

// Package pool manages bounded sets of backend connectors keyed by
// connection fingerprint. Each fingerprint gets its own bucket with its own
// lock and FIFO waiter queue; a leased connector is used by exactly one
// operation at a time. Unhealthy connectors are evicted on probe failure and
// replaced. ExecuteWithRetry gives transient failures one retry on a fresh
// connector without re-entering the caller.
package pool
