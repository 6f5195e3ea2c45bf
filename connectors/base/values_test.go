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

package base

import (
	"testing"
	"time"
)

func TestToFloat(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want float64
		ok   bool
	}{
		{"float64", 12.5, 12.5, true},
		{"int64", int64(7), 7, true},
		{"numeric text", "33.25", 33.25, true},
		{"integer text", "100", 100, true},
		{"bytes", []byte("2.5"), 2.5, true},
		{"garbage text", "n/a", 0, false},
		{"nil", nil, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ToFloat(tt.in)
			if ok != tt.ok || got != tt.want {
				t.Errorf("ToFloat(%v) = (%v, %v), want (%v, %v)", tt.in, got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestToInt(t *testing.T) {
	if got, ok := ToInt("42"); !ok || got != 42 {
		t.Errorf("ToInt(\"42\") = (%d, %v)", got, ok)
	}
	if got, ok := ToInt(float64(9)); !ok || got != 9 {
		t.Errorf("ToInt(9.0) = (%d, %v)", got, ok)
	}
	if _, ok := ToInt(struct{}{}); ok {
		t.Error("ToInt on struct should fail")
	}
}

func TestToBool(t *testing.T) {
	for _, s := range []string{"t", "true", "on"} {
		if got, ok := ToBool(s); !ok || !got {
			t.Errorf("ToBool(%q) = (%v, %v), want (true, true)", s, got, ok)
		}
	}
	if got, ok := ToBool("f"); !ok || got {
		t.Errorf("ToBool(\"f\") = (%v, %v), want (false, true)", got, ok)
	}
	if _, ok := ToBool("maybe"); ok {
		t.Error("ToBool(\"maybe\") should fail")
	}
}

func TestToTime(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	if got, ok := ToTime(now); !ok || !got.Equal(now) {
		t.Errorf("ToTime(time.Time) = (%v, %v)", got, ok)
	}
	if got, ok := ToTime("2025-06-01 12:00:00"); !ok || got.Hour() != 12 {
		t.Errorf("ToTime(text timestamp) = (%v, %v)", got, ok)
	}
	if _, ok := ToTime("yesterday"); ok {
		t.Error("ToTime(\"yesterday\") should fail")
	}
}

func TestNormalizeValue(t *testing.T) {
	if got := NormalizeValue([]byte("abc")); got != "abc" {
		t.Errorf("NormalizeValue([]byte) = %v", got)
	}
	if got := NormalizeValue(int32(5)); got != int64(5) {
		t.Errorf("NormalizeValue(int32) = %v (%T)", got, got)
	}
	if got := NormalizeValue(nil); got != nil {
		t.Errorf("NormalizeValue(nil) = %v", got)
	}
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{512, "512 bytes"},
		{2048, "2.0 KB"},
		{5 * 1024 * 1024, "5.0 MB"},
		{3 * 1024 * 1024 * 1024, "3.0 GB"},
	}
	for _, tt := range tests {
		if got := FormatBytes(tt.in); got != tt.want {
			t.Errorf("FormatBytes(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
