package testutils

import (
	"strings"
	"testing"

	"github.com/srg/blehost/internal/radio/simradio"
)

func TestJSONAsserter_DefaultOptions(t *testing.T) {
	opts := NewJSONAsserter(t).Options()

	if !opts.IgnoreExtraKeys {
		t.Error("IgnoreExtraKeys should default to true")
	}
	if opts.IgnoreArrayOrder {
		t.Error("IgnoreArrayOrder should default to false")
	}
	if len(opts.IgnoredFields) != 0 {
		t.Error("IgnoredFields should default to empty slice")
	}
}

func TestJSONAsserter_FunctionalOptions(t *testing.T) {
	t.Run("WithIgnoreExtraKeys false", func(t *testing.T) {
		opts := NewJSONAsserter(t).WithOptions(WithIgnoreExtraKeys(false)).Options()

		if opts.IgnoreExtraKeys {
			t.Error("IgnoreExtraKeys should be false when explicitly set")
		}
		if opts.IgnoreArrayOrder {
			t.Error("IgnoreArrayOrder should remain false from defaults")
		}
	})

	t.Run("Multiple options", func(t *testing.T) {
		opts := NewJSONAsserter(t).WithOptions(
			WithIgnoreArrayOrder(true),
			WithIgnoredFields("opcode", "detail"),
		).Options()

		if !opts.IgnoreArrayOrder {
			t.Error("IgnoreArrayOrder should be true")
		}
		if !opts.IgnoreExtraKeys {
			t.Error("IgnoreExtraKeys should remain true from defaults")
		}
		if len(opts.IgnoredFields) != 2 || opts.IgnoredFields[0] != "opcode" {
			t.Errorf("unexpected IgnoredFields: %v", opts.IgnoredFields)
		}
	})
}

func TestJSONAsserter_Diff(t *testing.T) {
	tests := []struct {
		name     string
		opts     []Option
		actual   string
		expected string
		wantDiff bool
		contains string
	}{
		{
			name:     "identical objects",
			actual:   `{"name": "SetScanEnable", "enable": true}`,
			expected: `{"name": "SetScanEnable", "enable": true}`,
		},
		{
			name:     "value mismatch",
			actual:   `{"name": "SetScanEnable", "enable": false}`,
			expected: `{"name": "SetScanEnable", "enable": true}`,
			wantDiff: true,
			contains: "enable",
		},
		{
			name:     "presence placeholder matches any value",
			actual:   `{"name": "GenerateRPA", "address": "4A:11:22:33:44:55"}`,
			expected: `{"name": "GenerateRPA", "address": "<<PRESENCE>>"}`,
		},
		{
			name:     "presence placeholder requires the key",
			actual:   `{"name": "GenerateRPA"}`,
			expected: `{"name": "GenerateRPA", "address": "<<PRESENCE>>"}`,
			wantDiff: true,
			contains: "<<PRESENCE>>",
		},
		{
			name:     "extra keys ignored by default",
			actual:   `{"name": "SetAdvData", "handle": 1, "length": 31}`,
			expected: `{"name": "SetAdvData"}`,
		},
		{
			name:     "extra keys detected when not ignored",
			opts:     []Option{WithIgnoreExtraKeys(false)},
			actual:   `{"name": "SetAdvData", "handle": 1}`,
			expected: `{"name": "SetAdvData"}`,
			wantDiff: true,
		},
		{
			name: "extra keys ignored inside arrays",
			actual: `[
				{"name": "SetExtAdvParams", "handle": 0, "opcode": 8246},
				{"name": "SetExtAdvEnable", "handle": 0, "enable": true}
			]`,
			expected: `[
				{"name": "SetExtAdvParams"},
				{"name": "SetExtAdvEnable", "enable": true}
			]`,
		},
		{
			name:     "array order matters by default",
			actual:   `[{"name": "B"}, {"name": "A"}]`,
			expected: `[{"name": "A"}, {"name": "B"}]`,
			wantDiff: true,
		},
		{
			name:     "array order ignored when requested",
			opts:     []Option{WithIgnoreArrayOrder(true)},
			actual:   `[{"name": "B"}, {"name": "A"}]`,
			expected: `[{"name": "A"}, {"name": "B"}]`,
		},
		{
			name:     "ignored fields excluded on both sides",
			opts:     []Option{WithIgnoredFields("detail")},
			actual:   `{"name": "PairPasskeyRsp", "detail": "passkey=000042"}`,
			expected: `{"name": "PairPasskeyRsp", "detail": "passkey=123456"}`,
		},
		{
			name:     "missing array element",
			actual:   `[{"name": "A"}]`,
			expected: `[{"name": "A"}, {"name": "B"}]`,
			wantDiff: true,
		},
		{
			name:     "invalid expected JSON",
			actual:   `{"valid": "json"}`,
			expected: `{"invalid": json}`,
			wantDiff: true,
			contains: "invalid expected JSON",
		},
		{
			name:     "invalid actual JSON",
			actual:   `{"invalid": json}`,
			expected: `{"valid": "json"}`,
			wantDiff: true,
			contains: "invalid actual JSON",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			diff := NewJSONAsserter(t).WithOptions(tt.opts...).Diff(tt.actual, tt.expected)
			if !tt.wantDiff {
				if diff != "" {
					t.Errorf("expected no diff, got: %s", diff)
				}
				return
			}
			if diff == "" {
				t.Fatal("expected a diff, got none")
			}
			if tt.contains != "" && !strings.Contains(diff, tt.contains) {
				t.Errorf("expected diff to contain %q, got: %s", tt.contains, diff)
			}
		})
	}
}

func TestJSONAsserter_AssertJournal(t *testing.T) {
	on := true
	handle := uint8(1)
	journal := []simradio.Command{
		{Name: "SetExtAdvParams", Handle: &handle},
		{Name: "SetExtAdvEnable", Handle: &handle, Enable: &on},
	}

	t.Run("subset of command fields", func(t *testing.T) {
		NewJSONAsserter(t).AssertJournal(journal, `[
			{"name": "SetExtAdvParams", "handle": 1},
			{"name": "SetExtAdvEnable", "enable": true}
		]`)
	})

	t.Run("nil journal is an empty array", func(t *testing.T) {
		NewJSONAsserter(t).AssertJournal(nil, `[]`)
	})

	t.Run("omitted fields are absent", func(t *testing.T) {
		diff := NewJSONAsserter(t).Diff(MustJSON(journal[:1]), `[{"name": "SetExtAdvParams", "enable": true}]`)
		if diff == "" {
			t.Error("expected a diff for a field the command does not carry")
		}
	})
}
