// Package require defines fatal test assertions: on failure the test stops
// immediately.
package require

import (
	"testing"

	logTest "github.com/sirupsen/logrus/hooks/test"
	"github.com/shardlabs/tessera/testing/assertions"
)

// Equal compares values using ==.
func Equal(tb testing.TB, expected, actual interface{}, msg ...interface{}) {
	assertions.Equal(tb.Fatalf, expected, actual, msg...)
}

// NotEqual compares values using !=.
func NotEqual(tb testing.TB, expected, actual interface{}, msg ...interface{}) {
	assertions.NotEqual(tb.Fatalf, expected, actual, msg...)
}

// DeepEqual compares values using reflect.DeepEqual.
func DeepEqual(tb testing.TB, expected, actual interface{}, msg ...interface{}) {
	assertions.DeepEqual(tb.Fatalf, expected, actual, msg...)
}

// DeepNotEqual asserts values are not deeply equal.
func DeepNotEqual(tb testing.TB, expected, actual interface{}, msg ...interface{}) {
	assertions.DeepNotEqual(tb.Fatalf, expected, actual, msg...)
}

// NoError asserts that err is nil.
func NoError(tb testing.TB, err error, msg ...interface{}) {
	assertions.NoError(tb.Fatalf, err, msg...)
}

// ErrorContains asserts that err is non-nil and mentions want.
func ErrorContains(tb testing.TB, want string, err error, msg ...interface{}) {
	assertions.ErrorContains(tb.Fatalf, want, err, msg...)
}

// NotNil asserts that obj is a non-nil value.
func NotNil(tb testing.TB, obj interface{}, msg ...interface{}) {
	assertions.NotNil(tb.Fatalf, obj, msg...)
}

// LogsContain asserts the logs captured by hook include want.
func LogsContain(tb testing.TB, hook *logTest.Hook, want string, msg ...interface{}) {
	assertions.LogsContain(tb.Fatalf, hook, want, true, msg...)
}

// LogsDoNotContain asserts the logs captured by hook exclude want.
func LogsDoNotContain(tb testing.TB, hook *logTest.Hook, want string, msg ...interface{}) {
	assertions.LogsContain(tb.Fatalf, hook, want, false, msg...)
}
