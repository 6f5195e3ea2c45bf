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

// Package guard enforces the read-only contract on SQL before it reaches a
// backend. Validation strips comments and string literals, requires a single
// statement, rejects mutating keywords and classic injection shapes, and
// accepts only SELECT, WITH, EXPLAIN, and SHOW statements.
//
// The guard sits in front of both backend connectors and has no bypass.
// Backend-level read-only transactions are a second, independent layer.
package guard
