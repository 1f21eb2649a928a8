// Package assert defines non-fatal test assertions. On failure the test is
// marked failed and continues; use require for assertions that must stop
// the test.
package assert

import (
	"testing"

	logTest "github.com/sirupsen/logrus/hooks/test"
	"github.com/shardlabs/tessera/testing/assertions"
)

// Equal compares values using ==.
func Equal(tb testing.TB, expected, actual interface{}, msg ...interface{}) {
	assertions.Equal(tb.Errorf, expected, actual, msg...)
}

// NotEqual compares values using !=.
func NotEqual(tb testing.TB, expected, actual interface{}, msg ...interface{}) {
	assertions.NotEqual(tb.Errorf, expected, actual, msg...)
}

// DeepEqual compares values using reflect.DeepEqual.
func DeepEqual(tb testing.TB, expected, actual interface{}, msg ...interface{}) {
	assertions.DeepEqual(tb.Errorf, expected, actual, msg...)
}

// DeepNotEqual asserts values are not deeply equal.
func DeepNotEqual(tb testing.TB, expected, actual interface{}, msg ...interface{}) {
	assertions.DeepNotEqual(tb.Errorf, expected, actual, msg...)
}

// NoError asserts that err is nil.
func NoError(tb testing.TB, err error, msg ...interface{}) {
	assertions.NoError(tb.Errorf, err, msg...)
}

// ErrorContains asserts that err is non-nil and mentions want.
func ErrorContains(tb testing.TB, want string, err error, msg ...interface{}) {
	assertions.ErrorContains(tb.Errorf, want, err, msg...)
}

// NotNil asserts that obj is a non-nil value.
func NotNil(tb testing.TB, obj interface{}, msg ...interface{}) {
	assertions.NotNil(tb.Errorf, obj, msg...)
}

// LogsContain asserts the logs captured by hook include want.
func LogsContain(tb testing.TB, hook *logTest.Hook, want string, msg ...interface{}) {
	assertions.LogsContain(tb.Errorf, hook, want, true, msg...)
}

// LogsDoNotContain asserts the logs captured by hook exclude want.
func LogsDoNotContain(tb testing.TB, hook *logTest.Hook, want string, msg ...interface{}) {
	assertions.LogsContain(tb.Errorf, hook, want, false, msg...)
}
