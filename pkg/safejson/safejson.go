// Package safejson encodes arbitrary Go values to JSON the way the
// telemetry wire format and console sink require: cycles through maps,
// slices and pointers become a sentinel instead of an error, arbitrary-precision integers serialize as
// decimal strings, and errors serialize as a small structured object
// instead of their often-unhelpful default JSON encoding (most errors
// marshal to "{}").
package safejson

import (
	"encoding/json"
	"math/big"
	"reflect"
	"runtime"
)

const circularSentinel = "[Circular]"

// Marshal encodes v the way the wire body and console event line require.
// Cycles through maps, slices and pointers are broken with a "[Circular]"
// sentinel. Struct values are handed to the final json.Marshal pass as they
// are, so a cycle through struct fields, or a NaN or infinite float, makes
// Marshal return that pass's error.
func Marshal(v any) ([]byte, error) {
	sanitized := sanitize(v, map[uintptr]bool{})
	return json.Marshal(sanitized)
}

// errorView is the wire representation of an error value.
type errorView struct {
	Error   string `json:"$error"`
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

// stackTracer is implemented by errors that captured a trace at creation
// time. safejson never fabricates a stack; it only reports one if the
// error exposes it.
type stackTracer interface {
	StackTrace() string
}

func sanitize(v any, seen map[uintptr]bool) any {
	switch x := v.(type) {
	case nil:
		return nil
	case *big.Int:
		if x == nil {
			return nil
		}
		return x.String()
	case json.Number:
		return x.String()
	case error:
		ev := errorView{Error: errorName(x), Message: x.Error()}
		if st, ok := x.(stackTracer); ok {
			ev.Stack = st.StackTrace()
		}
		return ev
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map:
		return sanitizeMap(rv, seen)
	case reflect.Slice, reflect.Array:
		return sanitizeSlice(rv, seen)
	case reflect.Ptr, reflect.Interface:
		if rv.IsNil() {
			return nil
		}
		return sanitizePointerLike(rv, seen)
	default:
		return v
	}
}

func sanitizePointerLike(rv reflect.Value, seen map[uintptr]bool) any {
	if rv.Kind() == reflect.Ptr {
		ptr := rv.Pointer()
		if seen[ptr] {
			return circularSentinel
		}
		seen = markAndCopy(seen, ptr)
		return sanitize(rv.Elem().Interface(), seen)
	}
	return sanitize(rv.Elem().Interface(), seen)
}

func sanitizeMap(rv reflect.Value, seen map[uintptr]bool) any {
	ptr := rv.Pointer()
	if ptr != 0 {
		if seen[ptr] {
			return circularSentinel
		}
		seen = markAndCopy(seen, ptr)
	}

	out := make(map[string]any, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		out[iter.Key().String()] = sanitize(iter.Value().Interface(), seen)
	}
	return out
}

func sanitizeSlice(rv reflect.Value, seen map[uintptr]bool) any {
	if rv.Kind() == reflect.Slice {
		ptr := rv.Pointer()
		if ptr != 0 {
			if seen[ptr] {
				return circularSentinel
			}
			seen = markAndCopy(seen, ptr)
		}
	}

	out := make([]any, rv.Len())
	for i := range out {
		out[i] = sanitize(rv.Index(i).Interface(), seen)
	}
	return out
}

func markAndCopy(seen map[uintptr]bool, ptr uintptr) map[uintptr]bool {
	next := make(map[uintptr]bool, len(seen)+1)
	for k, v := range seen {
		next[k] = v
	}
	next[ptr] = true
	return next
}

func errorName(err error) string {
	rv := reflect.ValueOf(err)
	for rv.Kind() == reflect.Ptr {
		rv = rv.Elem()
	}
	if rv.IsValid() && rv.Type().Name() != "" {
		return rv.Type().Name()
	}
	return "error"
}

// ProjectError returns the same {$error, message, stack} view Marshal would
// embed for err, as a plain map instead of encoded bytes. Callers that need
// to inspect or transform an error's wire projection before it is masked or
// serialized (rather than reflecting into the error's own internals) should
// use this instead of type-asserting the error directly.
func ProjectError(err error) map[string]any {
	if err == nil {
		return nil
	}
	out := map[string]any{
		"$error":  errorName(err),
		"message": err.Error(),
	}
	if st, ok := err.(stackTracer); ok {
		if stack := st.StackTrace(); stack != "" {
			out["stack"] = stack
		}
	}
	return out
}

// CaptureStack returns the current goroutine's stack trace, suitable for
// embedding in a custom error type that implements stackTracer. Kept
// separate from Marshal so callers opt into the (relatively expensive)
// capture rather than having it happen implicitly for every error.
func CaptureStack() string {
	buf := make([]byte, 8192)
	n := runtime.Stack(buf, false)
	return string(buf[:n])
}
