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
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/rdsdata"
	"github.com/aws/aws-sdk-go-v2/service/rdsdata/types"

	"pgscope/platform/connectors/base"
	"pgscope/platform/connectors/config"
)

type fakeDataAPI struct {
	executed   []string
	begun      int
	committed  int
	rolledBack int

	executeOut *rdsdata.ExecuteStatementOutput
	executeErr error
	// failOnSQL makes ExecuteStatement fail only for the matching statement.
	failOnSQL string
}

func (f *fakeDataAPI) ExecuteStatement(_ context.Context, in *rdsdata.ExecuteStatementInput, _ ...func(*rdsdata.Options)) (*rdsdata.ExecuteStatementOutput, error) {
	f.executed = append(f.executed, *in.Sql)
	if f.executeErr != nil && (f.failOnSQL == "" || f.failOnSQL == *in.Sql) {
		return nil, f.executeErr
	}
	if f.executeOut != nil {
		return f.executeOut, nil
	}
	return &rdsdata.ExecuteStatementOutput{}, nil
}

func (f *fakeDataAPI) BeginTransaction(_ context.Context, _ *rdsdata.BeginTransactionInput, _ ...func(*rdsdata.Options)) (*rdsdata.BeginTransactionOutput, error) {
	f.begun++
	txID := "tx-1"
	return &rdsdata.BeginTransactionOutput{TransactionId: &txID}, nil
}

func (f *fakeDataAPI) CommitTransaction(_ context.Context, _ *rdsdata.CommitTransactionInput, _ ...func(*rdsdata.Options)) (*rdsdata.CommitTransactionOutput, error) {
	f.committed++
	return &rdsdata.CommitTransactionOutput{}, nil
}

func (f *fakeDataAPI) RollbackTransaction(_ context.Context, _ *rdsdata.RollbackTransactionInput, _ ...func(*rdsdata.Options)) (*rdsdata.RollbackTransactionOutput, error) {
	f.rolledBack++
	return &rdsdata.RollbackTransactionOutput{}, nil
}

func testConnector(api dataAPI) *Connector {
	return &Connector{client: api, cfg: &config.ConnectionConfig{
		Kind:        config.KindRDSDataAPI,
		ResourceARN: "arn:aws:rds:us-east-1:1:cluster:a",
		SecretARN:   "arn:aws:secretsmanager:us-east-1:1:secret:x",
		Database:    "app",
	}}
}

func strPtr(s string) *string { return &s }

func TestExecuteReadOnlyTransactionFlow(t *testing.T) {
	api := &fakeDataAPI{executeOut: &rdsdata.ExecuteStatementOutput{
		ColumnMetadata: []types.ColumnMetadata{{Name: strPtr("n")}},
		Records: [][]types.Field{
			{&types.FieldMemberLongValue{Value: 1}},
		},
	}}
	c := testConnector(api)

	res, err := c.Execute(context.Background(), &base.QuerySpec{SQL: "SELECT 1 AS n", ReadOnly: true})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if api.begun != 1 || api.committed != 1 || api.rolledBack != 0 {
		t.Errorf("transaction flow begun=%d committed=%d rolledBack=%d, want 1/1/0", api.begun, api.committed, api.rolledBack)
	}
	if len(api.executed) != 2 || api.executed[0] != "SET TRANSACTION READ ONLY" {
		t.Errorf("statements = %v, want SET TRANSACTION READ ONLY first", api.executed)
	}
	if res.RowCount != 1 || res.Rows[0]["n"] != int64(1) {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestExecuteRollsBackOnFailure(t *testing.T) {
	api := &fakeDataAPI{
		executeErr: errors.New("ERROR: relation does not exist"),
		failOnSQL:  "SELECT * FROM missing",
	}
	c := testConnector(api)

	_, err := c.Execute(context.Background(), &base.QuerySpec{SQL: "SELECT * FROM missing", ReadOnly: true})
	if err == nil {
		t.Fatal("Execute() = nil, want error")
	}
	if api.rolledBack != 1 || api.committed != 0 {
		t.Errorf("rolledBack=%d committed=%d, want 1/0", api.rolledBack, api.committed)
	}
	var cerr *base.ConnectorError
	if !errors.As(err, &cerr) {
		t.Fatalf("error type %T, want *base.ConnectorError", err)
	}
	if cerr.Transient {
		t.Error("relation error should be permanent")
	}
}

func TestExecuteWithoutReadOnlySkipsTransaction(t *testing.T) {
	api := &fakeDataAPI{}
	c := testConnector(api)

	if _, err := c.Execute(context.Background(), &base.QuerySpec{SQL: "SELECT 1"}); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if api.begun != 0 || len(api.executed) != 1 {
		t.Errorf("begun=%d executed=%v, want no transaction", api.begun, api.executed)
	}
}

func TestExecuteMaxRows(t *testing.T) {
	records := make([][]types.Field, 5)
	for i := range records {
		records[i] = []types.Field{&types.FieldMemberLongValue{Value: int64(i)}}
	}
	api := &fakeDataAPI{executeOut: &rdsdata.ExecuteStatementOutput{
		ColumnMetadata: []types.ColumnMetadata{{Name: strPtr("v")}},
		Records:        records,
	}}
	c := testConnector(api)

	res, err := c.Execute(context.Background(), &base.QuerySpec{SQL: "SELECT v FROM t", MaxRows: 2})
	if err != nil {
		t.Fatal(err)
	}
	if res.RowCount != 2 {
		t.Errorf("RowCount = %d, want 2", res.RowCount)
	}
}

func TestBindArgs(t *testing.T) {
	sql, params := bindArgs("SELECT * FROM t WHERE a = $1 AND b = $2", []any{int64(7), "x"})
	want := "SELECT * FROM t WHERE a = :p1 AND b = :p2"
	if sql != want {
		t.Errorf("sql = %q, want %q", sql, want)
	}
	if len(params) != 2 {
		t.Fatalf("params = %d, want 2", len(params))
	}
	if *params[0].Name != "p1" {
		t.Errorf("param name = %q, want p1", *params[0].Name)
	}
	if v, ok := params[0].Value.(*types.FieldMemberLongValue); !ok || v.Value != 7 {
		t.Errorf("param value = %#v, want long 7", params[0].Value)
	}
}

func TestDecodeFieldScalars(t *testing.T) {
	tests := []struct {
		field types.Field
		want  any
	}{
		{&types.FieldMemberIsNull{Value: true}, nil},
		{&types.FieldMemberStringValue{Value: "text"}, "text"},
		{&types.FieldMemberLongValue{Value: 42}, int64(42)},
		{&types.FieldMemberDoubleValue{Value: 1.5}, 1.5},
		{&types.FieldMemberBooleanValue{Value: true}, true},
		{&types.FieldMemberBlobValue{Value: []byte("blob")}, "blob"},
	}
	for _, tt := range tests {
		if got := decodeField(tt.field); got != tt.want {
			t.Errorf("decodeField(%#v) = %v, want %v", tt.field, got, tt.want)
		}
	}
}

func TestWrapAPIErrorClassification(t *testing.T) {
	transient := wrapAPIError("execute", "x", errors.New("ThrottlingException: rate exceeded"))
	var cerr *base.ConnectorError
	if !errors.As(transient, &cerr) || !cerr.Transient {
		t.Errorf("throttling should be transient, got %v", transient)
	}

	permanent := wrapAPIError("execute", "x", errors.New("BadRequestException: syntax error"))
	if !errors.As(permanent, &cerr) || cerr.Transient {
		t.Errorf("syntax error should be permanent, got %v", permanent)
	}
}

func TestProbe(t *testing.T) {
	api := &fakeDataAPI{}
	c := testConnector(api)
	if err := c.Probe(context.Background()); err != nil {
		t.Fatalf("Probe() error = %v", err)
	}
	if len(api.executed) != 1 || api.executed[0] != "SELECT 1" {
		t.Errorf("probe statements = %v", api.executed)
	}
	if c.Kind() != base.KindRDSDataAPI {
		t.Errorf("Kind() = %q", c.Kind())
	}
}
