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

// Package base defines the contract shared by every database backend.
//
// A Connector owns exactly one underlying session or API client and exposes
// three capabilities: Execute, Probe, and Close. Two implementations exist:
//
//   - connectors/rdsdata: the RDS Data API backend, a stateless HTTP call per
//     statement against a managed Aurora cluster
//   - connectors/postgres: a direct wire-protocol session via lib/pq
//
// Both backends return rows as ordered column-name -> value maps with values
// normalized to a shared scalar set (string, int64, float64, bool, time.Time,
// nil). The two backends disagree on native typing for aggregate and
// statistics columns, so callers comparing numbers must convert explicitly
// with ToFloat or ToInt rather than type-asserting.
//
// A Connector is never shared by concurrent operations while leased; the
// pool in connectors/pool enforces this.
package base
