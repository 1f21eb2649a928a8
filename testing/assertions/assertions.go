// Package assertions defines the underlying implementations shared by the
// assert and require packages. Assertion functions take the reporting
// function as their first parameter, so the same body serves both the
// non-fatal (Errorf) and fatal (Fatalf) flavours.
package assertions

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/d4l3k/messagediff"
	logTest "github.com/sirupsen/logrus/hooks/test"
)

// AssertionLoggerFn is the reporting function: t.Errorf or t.Fatalf.
type AssertionLoggerFn func(string, ...interface{})

func formatMsg(def string, msg ...interface{}) string {
	if len(msg) == 0 {
		return def
	}
	if s, ok := msg[0].(string); ok && len(msg) > 1 {
		return fmt.Sprintf(s, msg[1:]...)
	}
	return fmt.Sprint(msg...)
}

// Equal compares values using ==.
func Equal(loggerFn AssertionLoggerFn, expected, actual interface{}, msg ...interface{}) {
	if expected != actual {
		loggerFn("%s, want: %[2]v (%[2]T), got: %[3]v (%[3]T)", formatMsg("Values are not equal", msg...), expected, actual)
	}
}

// NotEqual compares values using !=.
func NotEqual(loggerFn AssertionLoggerFn, expected, actual interface{}, msg ...interface{}) {
	if expected == actual {
		loggerFn("%s, both values are equal: %[2]v (%[2]T)", formatMsg("Values are equal", msg...), expected)
	}
}

// DeepEqual compares values using reflect.DeepEqual and renders the diff on
// mismatch.
func DeepEqual(loggerFn AssertionLoggerFn, expected, actual interface{}, msg ...interface{}) {
	if !reflect.DeepEqual(expected, actual) {
		diff, _ := messagediff.PrettyDiff(expected, actual)
		loggerFn("%s, want: %#v, got: %#v, diff: %s", formatMsg("Values are not equal", msg...), expected, actual, diff)
	}
}

// DeepNotEqual asserts values are not deeply equal.
func DeepNotEqual(loggerFn AssertionLoggerFn, expected, actual interface{}, msg ...interface{}) {
	if reflect.DeepEqual(expected, actual) {
		loggerFn("%s, both values are deeply equal: %#v", formatMsg("Values are deeply equal", msg...), expected)
	}
}

// NoError asserts that err is nil.
func NoError(loggerFn AssertionLoggerFn, err error, msg ...interface{}) {
	if err != nil {
		loggerFn("%s: %v", formatMsg("Unexpected error", msg...), err)
	}
}

// ErrorContains asserts that err is non-nil and mentions want.
func ErrorContains(loggerFn AssertionLoggerFn, want string, err error, msg ...interface{}) {
	if err == nil || !strings.Contains(err.Error(), want) {
		loggerFn("%s, got: %v, want: %s", formatMsg("No expected error", msg...), err, want)
	}
}

// NotNil asserts that obj is a non-nil value.
func NotNil(loggerFn AssertionLoggerFn, obj interface{}, msg ...interface{}) {
	if isNil(obj) {
		loggerFn(formatMsg("Unexpected nil value", msg...))
	}
}

func isNil(obj interface{}) bool {
	if obj == nil {
		return true
	}
	v := reflect.ValueOf(obj)
	switch v.Kind() {
	case reflect.Chan, reflect.Func, reflect.Interface, reflect.Map, reflect.Ptr, reflect.Slice:
		return v.IsNil()
	}
	return false
}

// LogsContain checks whether the logrus test hook captured (or, with
// flag=false, did not capture) a message containing want.
func LogsContain(loggerFn AssertionLoggerFn, hook *logTest.Hook, want string, flag bool, msg ...interface{}) {
	var logs []string
	match := false
	for _, entry := range hook.AllEntries() {
		m, err := entry.String()
		if err != nil {
			loggerFn("Failed to format log entry to string: %v", err)
			return
		}
		if strings.Contains(m, want) {
			match = true
		}
		for _, field := range entry.Data {
			if fs, ok := field.(string); ok && strings.Contains(fs, want) {
				match = true
			}
		}
		logs = append(logs, m)
	}
	if flag && !match {
		loggerFn("%s: %s not found in logs: %v", formatMsg("Expected log not found", msg...), want, logs)
	} else if !flag && match {
		loggerFn("%s: %s found in logs: %v", formatMsg("Unexpected log found", msg...), want, logs)
	}
}
