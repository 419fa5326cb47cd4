package testutils

import (
	"encoding/json"
	"fmt"
	"sort"
	"testing"

	"github.com/mcuadros/go-defaults"
	"github.com/srg/blehost/internal/radio/simradio"
	"github.com/yudai/gojsondiff"
	"github.com/yudai/gojsondiff/formatter"
)

// PresencePlaceholder in expected JSON matches any actual value under the same key.
const PresencePlaceholder = "<<PRESENCE>>"

func MustJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(data)
}

type JSONAssertOptions struct {
	IgnoreExtraKeys  bool     `default:"true"`
	IgnoreArrayOrder bool     `default:"false"`
	IgnoredFields    []string `default:""`
}

// Option is a functional option for configuring JSONAsserter
type Option func(*JSONAssertOptions)

func WithIgnoreExtraKeys(ignore bool) Option {
	return func(o *JSONAssertOptions) { o.IgnoreExtraKeys = ignore }
}

func WithIgnoreArrayOrder(ignore bool) Option {
	return func(o *JSONAssertOptions) { o.IgnoreArrayOrder = ignore }
}

func WithIgnoredFields(fields ...string) Option {
	return func(o *JSONAssertOptions) { o.IgnoredFields = fields }
}

// JSONAsserter compares JSON documents structurally and reports an ASCII diff.
type JSONAsserter struct {
	t       testing.TB
	options JSONAssertOptions
}

func NewJSONAsserter(t testing.TB) *JSONAsserter {
	opts := JSONAssertOptions{}
	defaults.SetDefaults(&opts)
	return &JSONAsserter{t: t, options: opts}
}

func (ja *JSONAsserter) WithOptions(opts ...Option) *JSONAsserter {
	for _, opt := range opts {
		opt(&ja.options)
	}
	return ja
}

func (ja *JSONAsserter) Options() JSONAssertOptions {
	return ja.options
}

// Assert fails the test when actualJSON differs from expectedJSON.
func (ja *JSONAsserter) Assert(actualJSON, expectedJSON string) {
	ja.t.Helper()
	if diff := ja.Diff(actualJSON, expectedJSON); diff != "" {
		ja.t.Errorf("JSON assertion failed:\n%s", diff)
	}
}

// AssertJournal compares simulated radio commands against expectedJSON,
// a JSON array of command objects.
func (ja *JSONAsserter) AssertJournal(cmds []simradio.Command, expectedJSON string) {
	ja.t.Helper()
	if cmds == nil {
		cmds = []simradio.Command{}
	}
	ja.Assert(MustJSON(cmds), expectedJSON)
}

// Diff returns an empty string when the documents match.
func (ja *JSONAsserter) Diff(actualJSON, expectedJSON string) string {
	var expected, actual any
	if err := json.Unmarshal([]byte(expectedJSON), &expected); err != nil {
		return fmt.Sprintf("invalid expected JSON: %v", err)
	}
	if err := json.Unmarshal([]byte(actualJSON), &actual); err != nil {
		return fmt.Sprintf("invalid actual JSON: %v", err)
	}

	// gojsondiff compares objects only
	if _, ok := expected.([]any); ok {
		expected = map[string]any{"array": expected}
		actual = map[string]any{"array": actual}
	}

	walk(expected, actual, func(exp, act map[string]any) {
		for _, f := range ja.options.IgnoredFields {
			delete(exp, f)
			delete(act, f)
		}
		for k, v := range exp {
			if s, ok := v.(string); ok && s == PresencePlaceholder {
				if av, present := act[k]; present {
					exp[k] = av
				}
			}
		}
		if ja.options.IgnoreExtraKeys {
			for k := range act {
				if _, ok := exp[k]; !ok {
					delete(act, k)
				}
			}
		}
	})
	if ja.options.IgnoreArrayOrder {
		sortArrays(expected)
		sortArrays(actual)
	}

	expectedBytes, _ := json.Marshal(expected)
	actualBytes, _ := json.Marshal(actual)

	diff, err := gojsondiff.New().Compare(expectedBytes, actualBytes)
	if err != nil {
		return fmt.Sprintf("JSON comparison failed: %v", err)
	}
	if !diff.Modified() {
		return ""
	}

	f := formatter.NewAsciiFormatter(expected, formatter.AsciiFormatterConfig{ShowArrayIndex: true})
	out, _ := f.Format(diff)
	return out
}

// walk visits every pair of objects found at the same position in both trees.
func walk(expected, actual any, fn func(exp, act map[string]any)) {
	switch exp := expected.(type) {
	case map[string]any:
		act, ok := actual.(map[string]any)
		if !ok {
			return
		}
		fn(exp, act)
		for k := range exp {
			walk(exp[k], act[k], fn)
		}
	case []any:
		act, ok := actual.([]any)
		if !ok {
			return
		}
		for i := range exp {
			if i < len(act) {
				walk(exp[i], act[i], fn)
			}
		}
	}
}

func sortArrays(v any) {
	switch t := v.(type) {
	case map[string]any:
		for k := range t {
			sortArrays(t[k])
		}
	case []any:
		for _, e := range t {
			sortArrays(e)
		}
		sort.SliceStable(t, func(i, j int) bool {
			return MustJSON(t[i]) < MustJSON(t[j])
		})
	}
}
