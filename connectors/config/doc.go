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

// Package config resolves connection parameters into a concrete backend
// configuration and supplies database credentials from AWS Secrets Manager,
// local files, or the environment.
//
// Resolution picks exactly one backend kind. A resource ARN selects the RDS
// Data API, a hostname selects the direct wire protocol, and supplying both
// or neither is an error. Every resolved configuration carries a stable
// fingerprint used as the pool key.
package config
