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

// Package analysis implements the read-only database analyzers: structure,
// query performance, index recommendation, fragmentation, vacuum health,
// slow queries, and settings review.
//
// Analyzers read system catalogs and statistics views through a Runner and
// never execute DDL or DML; index and vacuum suggestions are emitted as
// recommendation text only. A missing optional dependency such as
// pg_stat_statements produces an Unavailable result with remediation steps
// instead of an error.
package analysis
