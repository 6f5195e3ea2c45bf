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

// Package main is the entry point for the PgScope server.
//
// PgScope is a read-only PostgreSQL analysis service. It resolves connection
// parameters, pools backend connections per target, and exposes guarded query
// execution plus a set of database health analyzers over HTTP.
//
// Usage:
//
//	./pgscope
//
// Environment Variables:
//
//	PGSCOPE_PORT_HTTP - HTTP server port (default: 8080)
//	PGSCOPE_RESOURCE_ARN - default Aurora cluster ARN for the RDS Data API
//	PGSCOPE_SECRET_ARN - default Secrets Manager ARN for credentials
//	PGSCOPE_HOSTNAME, PGSCOPE_PORT, PGSCOPE_DATABASE - default direct target
//	PGSCOPE_REGION - AWS region for the Data API and Secrets Manager
//	PGSCOPE_POOL_MIN_SIZE, PGSCOPE_POOL_MAX_SIZE - pool bounds (default 5/30)
//	PGSCOPE_POOL_WAIT_SECONDS - acquire wait before 429 (default 30)
//	PGSCOPE_MAX_ROWS - row cap per query (default 1000)
//	PGSCOPE_TARGETS_FILE - YAML file of named connection targets
//	LOG_LEVEL - DEBUG, INFO, WARN, or ERROR (default INFO)
package main

import (
	"os"

	"pgscope/platform/server"
)

func main() {
	if err := server.Run(); err != nil {
		os.Exit(1)
	}
}
