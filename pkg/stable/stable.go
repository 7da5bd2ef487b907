// Package stable implements the canonical serializer used to build
// dedupe fingerprints (see the dedupe middleware's default fingerprint
// formula). It is deliberately distinct from pkg/safejson: stable produces
// a sorted-key string meant for hashing/equality, not JSON bytes meant for
// a wire body. Any change to this package is a behavior change to
// deduplication — match the key-sort, depth cap, and sentinel encodings
// exactly if you touch it.
package stable

import (
	"fmt"
	"math"
	"math/big"
	"reflect"
	"sort"
	"strconv"
	"strings"
)

const (
	circularSentinel  = "[Circular]"
	maxDepthSentinel  = "[MaxDepth]"
	undefinedSentinel = "[Undefined]"
	nonFiniteSentinel = "[NonFiniteNumber]"
	functionSentinel  = "[Function]"
	defaultMaxDepth   = 10
)

// Stringify returns the canonical string form of v: mapping keys sorted
// lexicographically, recursion depth capped at maxDepth (0 uses the
// default of 10), cycles and special values replaced by fixed sentinels.
func Stringify(v any, maxDepth int) string {
	if maxDepth <= 0 {
		maxDepth = defaultMaxDepth
	}
	var b strings.Builder
	write(&b, v, maxDepth, 0, map[uintptr]bool{})
	return b.String()
}

func write(b *strings.Builder, v any, maxDepth, depth int, seen map[uintptr]bool) {
	if depth > maxDepth {
		b.WriteString(maxDepthSentinel)
		return
	}

	if v == nil {
		b.WriteString(undefinedSentinel)
		return
	}

	switch x := v.(type) {
	case *big.Int:
		if x == nil {
			b.WriteString(undefinedSentinel)
			return
		}
		b.WriteString(`"` + x.String() + `"`)
		return
	case float64:
		writeFloat(b, x)
		return
	case float32:
		writeFloat(b, float64(x))
		return
	case error:
		b.WriteString(errorObject(x))
		return
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map:
		writeMap(b, rv, maxDepth, depth, seen)
	case reflect.Slice, reflect.Array:
		writeSlice(b, rv, maxDepth, depth, seen)
	case reflect.Func:
		b.WriteString(functionSentinel)
	case reflect.Ptr, reflect.Interface:
		if rv.IsNil() {
			b.WriteString(undefinedSentinel)
			return
		}
		write(b, rv.Elem().Interface(), maxDepth, depth, seen)
	case reflect.String:
		b.WriteString(strconv.Quote(rv.String()))
	default:
		fmt.Fprintf(b, "%v", v)
	}
}

func writeFloat(b *strings.Builder, f float64) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		b.WriteString(nonFiniteSentinel)
		return
	}
	b.WriteString(strconv.FormatFloat(f, 'g', -1, 64))
}

func writeMap(b *strings.Builder, rv reflect.Value, maxDepth, depth int, seen map[uintptr]bool) {
	ptr := rv.Pointer()
	if ptr != 0 {
		if seen[ptr] {
			b.WriteString(circularSentinel)
			return
		}
		seen = withSeen(seen, ptr)
	}

	keys := make([]string, 0, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		keys = append(keys, iter.Key().String())
	}
	sort.Strings(keys)

	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.Quote(k))
		b.WriteByte(':')
		write(b, rv.MapIndex(reflect.ValueOf(k)).Interface(), maxDepth, depth+1, seen)
	}
	b.WriteByte('}')
}

func writeSlice(b *strings.Builder, rv reflect.Value, maxDepth, depth int, seen map[uintptr]bool) {
	if rv.Kind() == reflect.Slice {
		ptr := rv.Pointer()
		if ptr != 0 {
			if seen[ptr] {
				b.WriteString(circularSentinel)
				return
			}
			seen = withSeen(seen, ptr)
		}
	}

	b.WriteByte('[')
	for i := 0; i < rv.Len(); i++ {
		if i > 0 {
			b.WriteByte(',')
		}
		write(b, rv.Index(i).Interface(), maxDepth, depth+1, seen)
	}
	b.WriteByte(']')
}

func withSeen(seen map[uintptr]bool, ptr uintptr) map[uintptr]bool {
	next := make(map[uintptr]bool, len(seen)+1)
	for k, v := range seen {
		next[k] = v
	}
	next[ptr] = true
	return next
}

func errorObject(err error) string {
	rv := reflect.ValueOf(err)
	for rv.Kind() == reflect.Ptr {
		rv = rv.Elem()
	}
	name := "error"
	if rv.IsValid() && rv.Type().Name() != "" {
		name = rv.Type().Name()
	}
	return fmt.Sprintf(`{"$error":%s,"message":%s,"stack":%s}`,
		strconv.Quote(name), strconv.Quote(err.Error()), strconv.Quote(""))
}
