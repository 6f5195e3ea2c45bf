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

// Package rdsdata implements the managed backend over the AWS RDS Data API.
// Each connector wraps one authenticated Data API client. Read-only
// execution wraps the statement in an explicit transaction set to READ ONLY
// so the database refuses writes even if a mutating statement slipped past
// the query guard.
package rdsdata
