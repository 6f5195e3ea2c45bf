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

package pool

import (
	"context"
	"errors"

	"pgscope/platform/connectors/base"
	"pgscope/platform/connectors/config"
)

// isTransient reports whether a failure is worth one retry on a fresh
// connector. Permanent errors (syntax, permissions, rejected statements)
// surface immediately.
func isTransient(err error) bool {
	var cerr *base.ConnectorError
	if errors.As(err, &cerr) {
		return cerr.Transient
	}
	return false
}

// Execute runs one statement on a pooled connector. The connector is
// acquired, used for exactly this statement, and returned.
func (p *Pool) Execute(ctx context.Context, cfg *config.ConnectionConfig, spec *base.QuerySpec) (*base.QueryResult, error) {
	return p.ExecuteWithRetry(ctx, cfg, spec)
}

// ExecuteWithRetry runs one statement, retrying once on a fresh connector
// when the first attempt fails transiently. The broken connector is evicted
// before the retry; the caller never sees the intermediate failure.
func (p *Pool) ExecuteWithRetry(ctx context.Context, cfg *config.ConnectionConfig, spec *base.QuerySpec) (*base.QueryResult, error) {
	const maxAttempts = 2

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		lease, err := p.Acquire(ctx, cfg)
		if err != nil {
			return nil, err
		}

		result, err := lease.Connector().Execute(ctx, spec)
		if err == nil {
			lease.Release()
			return result, nil
		}

		// A deadline hit mid-statement leaves the session in an unknown
		// state; evict without retrying.
		if ctx.Err() != nil {
			lease.Discard(context.WithoutCancel(ctx))
			return nil, err
		}

		if !isTransient(err) {
			lease.Release()
			return nil, err
		}

		lease.Discard(ctx)
		lastErr = err
		if attempt < maxAttempts {
			retriesTotal.WithLabelValues(lease.Fingerprint()).Inc()
			p.log.Warn("", "retrying statement on fresh connector", map[string]any{
				"fingerprint": lease.Fingerprint(),
				"attempt":     attempt,
				"error":       err.Error(),
			})
		}
	}
	return nil, lastErr
}
