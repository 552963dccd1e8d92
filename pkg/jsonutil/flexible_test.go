package jsonutil

import (
	"encoding/json"
	"testing"
	"time"
)

func TestFlexibleString(t *testing.T) {
	tests := []struct {
		name    string
		input   json.RawMessage
		want    string
		wantErr bool
	}{
		{name: "string value", input: json.RawMessage(`"hello"`), want: "hello"},
		{name: "integer value", input: json.RawMessage(`42`), want: "42"},
		{name: "float value", input: json.RawMessage(`3.14`), want: "3.14"},
		{name: "boolean true", input: json.RawMessage(`true`), want: "true"},
		{name: "null value", input: json.RawMessage(`null`), want: ""},
		{name: "empty input", input: nil, want: ""},
		{name: "object", input: json.RawMessage(`{"a":1}`), wantErr: true},
		{name: "array", input: json.RawMessage(`["a"]`), wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := FlexibleString(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("FlexibleString(%s) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("FlexibleString(%s) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestFlexibleStringValue_IgnoresNonScalars(t *testing.T) {
	if got := FlexibleStringValue(json.RawMessage(`{"a":1}`)); got != "" {
		t.Errorf("expected empty string for object, got %q", got)
	}
}

func TestFlexibleBool(t *testing.T) {
	tests := []struct {
		input   string
		want    bool
		wantErr bool
	}{
		{`true`, true, false},
		{`false`, false, false},
		{`"yes"`, true, false},
		{`"False"`, false, false},
		{`1`, true, false},
		{`0`, false, false},
		{`null`, false, false},
		{`"maybe"`, false, true},
		{`[true]`, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := FlexibleBool(json.RawMessage(tt.input))
			if (err != nil) != tt.wantErr {
				t.Fatalf("FlexibleBool(%s) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("FlexibleBool(%s) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestFlexibleInt(t *testing.T) {
	tests := []struct {
		input   string
		want    int64
		wantErr bool
	}{
		{`150`, 150, false},
		{`"150"`, 150, false},
		{`12.6`, 13, false},
		{`null`, 0, false},
		{`""`, 0, false},
		{`"lots"`, 0, true},
		{`{}`, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := FlexibleInt(json.RawMessage(tt.input))
			if (err != nil) != tt.wantErr {
				t.Fatalf("FlexibleInt(%s) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("FlexibleInt(%s) = %d, want %d", tt.input, got, tt.want)
			}
		})
	}
}

func TestFlexibleStringSlice(t *testing.T) {
	got, err := FlexibleStringSlice(json.RawMessage(`["smoky", "", 2, "tender"]`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"smoky", "2", "tender"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("element %d = %q, want %q", i, got[i], want[i])
		}
	}

	single, err := FlexibleStringSlice(json.RawMessage(`"bbq"`))
	if err != nil || len(single) != 1 || single[0] != "bbq" {
		t.Errorf("single scalar: got %v, %v", single, err)
	}

	if _, err := FlexibleStringSlice(json.RawMessage(`[{"a":1}]`)); err == nil {
		t.Error("expected error for nested object")
	}
}

func TestFlexibleTime(t *testing.T) {
	want := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	inputs := []string{
		`"2024-03-01T12:00:00Z"`,
		`"2024-03-01T14:00:00+02:00"`,
		`"2024-03-01 12:00:00"`,
		`1709294400`,
		`1709294400000`,
		`"1709294400"`,
	}
	for _, in := range inputs {
		got, err := FlexibleTime(json.RawMessage(in))
		if err != nil {
			t.Errorf("FlexibleTime(%s) error: %v", in, err)
			continue
		}
		if !got.Equal(want) {
			t.Errorf("FlexibleTime(%s) = %s, want %s", in, got, want)
		}
	}

	if _, err := FlexibleTime(json.RawMessage(`"last tuesday"`)); err == nil {
		t.Error("expected error for unparseable timestamp")
	}
	if got, err := FlexibleTime(json.RawMessage(`null`)); err != nil || !got.IsZero() {
		t.Errorf("null: got %v, %v", got, err)
	}
}
