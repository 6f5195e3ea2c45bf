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

package rdsdata

import (
	"context"
	"fmt"
	"strings"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/rdsdata"
	"github.com/aws/aws-sdk-go-v2/service/rdsdata/types"

	"pgscope/platform/connectors/base"
	"pgscope/platform/connectors/config"
)

// dataAPI is the slice of the RDS Data API client the connector uses.
type dataAPI interface {
	ExecuteStatement(ctx context.Context, params *rdsdata.ExecuteStatementInput, optFns ...func(*rdsdata.Options)) (*rdsdata.ExecuteStatementOutput, error)
	BeginTransaction(ctx context.Context, params *rdsdata.BeginTransactionInput, optFns ...func(*rdsdata.Options)) (*rdsdata.BeginTransactionOutput, error)
	CommitTransaction(ctx context.Context, params *rdsdata.CommitTransactionInput, optFns ...func(*rdsdata.Options)) (*rdsdata.CommitTransactionOutput, error)
	RollbackTransaction(ctx context.Context, params *rdsdata.RollbackTransactionInput, optFns ...func(*rdsdata.Options)) (*rdsdata.RollbackTransactionOutput, error)
}

// Connector executes statements through the RDS Data API. One connector
// holds one client; concurrency control lives in the pool.
type Connector struct {
	client dataAPI
	cfg    *config.ConnectionConfig
}

// New builds a Data API client from the default AWS credential chain and
// verifies connectivity with a probe.
func New(ctx context.Context, cfg *config.ConnectionConfig) (*Connector, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, base.NewConnectorError("rdsdata", "connect", "loading AWS configuration", err)
	}
	c := &Connector{client: rdsdata.NewFromConfig(awsCfg), cfg: cfg}
	if err := c.Probe(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Kind reports the backend kind.
func (c *Connector) Kind() string { return base.KindRDSDataAPI }

// Execute runs one statement. With ReadOnly set it opens a transaction,
// forces it READ ONLY, runs the statement inside it, and commits; any
// failure rolls the transaction back.
func (c *Connector) Execute(ctx context.Context, spec *base.QuerySpec) (*base.QueryResult, error) {
	start := time.Now()

	var txID *string
	if spec.ReadOnly {
		begin, err := c.client.BeginTransaction(ctx, &rdsdata.BeginTransactionInput{
			ResourceArn: &c.cfg.ResourceARN,
			SecretArn:   &c.cfg.SecretARN,
			Database:    &c.cfg.Database,
		})
		if err != nil {
			return nil, wrapAPIError("execute", "beginning read-only transaction", err)
		}
		txID = begin.TransactionId

		setRO := "SET TRANSACTION READ ONLY"
		if _, err := c.client.ExecuteStatement(ctx, &rdsdata.ExecuteStatementInput{
			ResourceArn:   &c.cfg.ResourceARN,
			SecretArn:     &c.cfg.SecretARN,
			Database:      &c.cfg.Database,
			Sql:           &setRO,
			TransactionId: txID,
		}); err != nil {
			c.rollback(ctx, txID)
			return nil, wrapAPIError("execute", "setting transaction read-only", err)
		}
	}

	sql, params := bindArgs(spec.SQL, spec.Args)
	out, err := c.client.ExecuteStatement(ctx, &rdsdata.ExecuteStatementInput{
		ResourceArn:           &c.cfg.ResourceARN,
		SecretArn:             &c.cfg.SecretARN,
		Database:              &c.cfg.Database,
		Sql:                   &sql,
		Parameters:            params,
		TransactionId:         txID,
		IncludeResultMetadata: true,
	})
	if err != nil {
		c.rollback(ctx, txID)
		return nil, wrapAPIError("execute", "executing statement", err)
	}

	if txID != nil {
		if _, err := c.client.CommitTransaction(ctx, &rdsdata.CommitTransactionInput{
			ResourceArn:   &c.cfg.ResourceARN,
			SecretArn:     &c.cfg.SecretARN,
			TransactionId: txID,
		}); err != nil {
			return nil, wrapAPIError("execute", "committing read-only transaction", err)
		}
	}

	rows := decodeRecords(out, spec.MaxRows)
	return &base.QueryResult{
		Rows:     rows,
		RowCount: len(rows),
		Duration: time.Since(start),
	}, nil
}

func (c *Connector) rollback(ctx context.Context, txID *string) {
	if txID == nil {
		return
	}
	// Rollback failure leaves the transaction to the server-side timeout.
	_, _ = c.client.RollbackTransaction(ctx, &rdsdata.RollbackTransactionInput{
		ResourceArn:   &c.cfg.ResourceARN,
		SecretArn:     &c.cfg.SecretARN,
		TransactionId: txID,
	})
}

// Probe runs a trivial statement to confirm the client still reaches the
// cluster.
func (c *Connector) Probe(ctx context.Context) error {
	sql := "SELECT 1"
	_, err := c.client.ExecuteStatement(ctx, &rdsdata.ExecuteStatementInput{
		ResourceArn: &c.cfg.ResourceARN,
		SecretArn:   &c.cfg.SecretARN,
		Database:    &c.cfg.Database,
		Sql:         &sql,
	})
	if err != nil {
		return wrapAPIError("probe", "probing cluster", err)
	}
	return nil
}

// Close releases nothing: the Data API client holds no persistent session.
func (c *Connector) Close(context.Context) error { return nil }

// bindArgs converts positional $n placeholders and arguments into the named
// form the Data API requires.
func bindArgs(sql string, args []any) (string, []types.SqlParameter) {
	if len(args) == 0 {
		return sql, nil
	}
	params := make([]types.SqlParameter, 0, len(args))
	for i, arg := range args {
		name := fmt.Sprintf("p%d", i+1)
		sql = strings.ReplaceAll(sql, fmt.Sprintf("$%d", i+1), ":"+name)
		params = append(params, types.SqlParameter{
			Name:  &name,
			Value: toField(arg),
		})
	}
	return sql, params
}

func toField(v any) types.Field {
	switch val := v.(type) {
	case nil:
		return &types.FieldMemberIsNull{Value: true}
	case string:
		return &types.FieldMemberStringValue{Value: val}
	case int:
		return &types.FieldMemberLongValue{Value: int64(val)}
	case int64:
		return &types.FieldMemberLongValue{Value: val}
	case float64:
		return &types.FieldMemberDoubleValue{Value: val}
	case bool:
		return &types.FieldMemberBooleanValue{Value: val}
	case time.Time:
		return &types.FieldMemberStringValue{Value: val.Format(time.RFC3339Nano)}
	default:
		return &types.FieldMemberStringValue{Value: fmt.Sprintf("%v", val)}
	}
}

// decodeRecords turns the Data API response into ordered row maps with
// values normalized to the shared scalar set.
func decodeRecords(out *rdsdata.ExecuteStatementOutput, maxRows int) []map[string]any {
	cols := make([]string, len(out.ColumnMetadata))
	for i, meta := range out.ColumnMetadata {
		switch {
		case meta.Label != nil && *meta.Label != "":
			cols[i] = *meta.Label
		case meta.Name != nil:
			cols[i] = *meta.Name
		default:
			cols[i] = fmt.Sprintf("column_%d", i)
		}
	}

	rows := make([]map[string]any, 0, len(out.Records))
	for _, record := range out.Records {
		if maxRows > 0 && len(rows) >= maxRows {
			break
		}
		row := make(map[string]any, len(record))
		for i, field := range record {
			name := fmt.Sprintf("column_%d", i)
			if i < len(cols) {
				name = cols[i]
			}
			row[name] = decodeField(field)
		}
		rows = append(rows, row)
	}
	return rows
}

func decodeField(f types.Field) any {
	switch val := f.(type) {
	case *types.FieldMemberIsNull:
		return nil
	case *types.FieldMemberStringValue:
		return base.NormalizeValue(val.Value)
	case *types.FieldMemberLongValue:
		return val.Value
	case *types.FieldMemberDoubleValue:
		return val.Value
	case *types.FieldMemberBooleanValue:
		return val.Value
	case *types.FieldMemberBlobValue:
		return string(val.Value)
	case *types.FieldMemberArrayValue:
		return fmt.Sprintf("%v", val.Value)
	default:
		return nil
	}
}

// wrapAPIError classifies Data API failures. Throttling and transient
// cluster states are retryable; everything else is permanent.
func wrapAPIError(operation, message string, err error) error {
	msg := err.Error()
	for _, marker := range []string{
		"ThrottlingException",
		"StatementTimeoutException",
		"ServiceUnavailable",
		"InternalServerError",
		"DatabaseResumingException",
		"connection reset",
		"timeout",
	} {
		if strings.Contains(msg, marker) {
			return base.NewTransientError("rdsdata", operation, message, err)
		}
	}
	return base.NewConnectorError("rdsdata", operation, message, err)
}
