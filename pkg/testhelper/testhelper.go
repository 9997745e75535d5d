// Package testhelper holds the golden file and comparison helpers shared by
// the tests.
package testhelper

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/pmezard/go-difflib/difflib"
	"sigs.k8s.io/yaml"
)

// UpdateEnv rewrites the fixtures with the current output when set
const UpdateEnv = "UPDATE"

type fixtureOptions struct {
	prefix string
}

type Option func(*fixtureOptions)

// WithPrefix distinguishes several fixtures of the same test
func WithPrefix(prefix string) Option {
	return func(o *fixtureOptions) {
		o.prefix = prefix
	}
}

// CompareWithFixture compares output with testdata/zz_fixture_<test>.yaml.
// Values other than strings and bytes are serialized to YAML first.
func CompareWithFixture(t *testing.T, output interface{}, opts ...Option) {
	t.Helper()
	options := fixtureOptions{}
	for _, opt := range opts {
		opt(&options)
	}

	actual := serialize(t, output)
	golden, err := filepath.Abs(filepath.Join("testdata", fixtureName(options.prefix+t.Name())))
	if err != nil {
		t.Fatalf("failed to get absolute path to testdata file: %v", err)
	}
	if os.Getenv(UpdateEnv) != "" {
		if err := os.WriteFile(golden, actual, 0644); err != nil {
			t.Fatalf("failed to write updated fixture: %v", err)
		}
	}
	expected, err := os.ReadFile(golden)
	if err != nil {
		t.Fatalf("failed to read fixture: %v", err)
	}

	diff, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(string(expected)),
		B:        difflib.SplitLines(string(actual)),
		FromFile: "Fixture",
		ToFile:   "Current",
		Context:  3,
	})
	if err != nil {
		t.Fatal(err)
	}
	if diff != "" {
		t.Errorf("output differs from %s:\n%s\n\nRe-run the test with %s=true to update the fixture if this is expected.", filepath.Base(golden), diff, UpdateEnv)
	}
}

func serialize(t *testing.T, output interface{}) []byte {
	switch v := output.(type) {
	case []byte:
		return v
	case string:
		return []byte(v)
	}
	raw, err := yaml.Marshal(output)
	if err != nil {
		t.Fatalf("failed to marshal output of type %T: %v", output, err)
	}
	return raw
}

// fixtureName turns a test name into a file name, every run of other
// characters than letters, digits, dots and underscores becomes a single
// underscore
func fixtureName(testName string) string {
	var name strings.Builder
	name.WriteString("zz_fixture_")
	replaced := false
	for _, r := range testName {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '.':
			name.WriteRune(r)
			replaced = r == '_'
		case !replaced:
			name.WriteRune('_')
			replaced = true
		}
	}
	return name.String() + ".yaml"
}

// Diff fails the test when actual differs from expected
func Diff(t *testing.T, what string, actual, expected interface{}, opts ...cmp.Option) {
	t.Helper()
	if diff := cmp.Diff(expected, actual, opts...); diff != "" {
		t.Errorf("unexpected %s (-want +got):\n%s", what, diff)
	}
}

// EquateErrorMessage reports errors to be equal if both are nil
// or both have the same message
var EquateErrorMessage = cmp.FilterValues(func(x, y interface{}) bool {
	_, ok1 := x.(error)
	_, ok2 := y.(error)
	return ok1 && ok2
}, cmp.Comparer(func(x, y interface{}) bool {
	xe := x.(error)
	ye := y.(error)
	if xe == nil || ye == nil {
		return xe == nil && ye == nil
	}
	return xe.Error() == ye.Error()
}))
