package workflow

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// Hash returns a 16-hex-digit digest of the graph's structural content:
// node ids, class types, and inputs. It is independent of map insertion
// order, and numerically equal integer and floating-point inputs hash
// identically, so a graph survives a JSON round trip with its hash intact.
// Node titles and other _meta entries do not participate.
func Hash(g Graph) string {
	d := xxhash.New()

	ids := make([]string, 0, len(g))
	for id := range g {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		n := g[id]
		writeString(d, 'k', id)
		writeString(d, 'c', n.ClassType)
		writeValue(d, n.Inputs)
	}
	return fmt.Sprintf("%016x", d.Sum64())
}

func writeString(w io.Writer, tag byte, s string) {
	w.Write([]byte{tag})
	io.WriteString(w, s)
	w.Write([]byte{0})
}

func writeValue(w io.Writer, v any) {
	switch x := v.(type) {
	case nil:
		w.Write([]byte{'z', 0})
	case bool:
		if x {
			w.Write([]byte{'b', 1, 0})
		} else {
			w.Write([]byte{'b', 0, 0})
		}
	case string:
		writeString(w, 's', x)
	case float64:
		writeString(w, 'n', canonNumber(x))
	case float32:
		writeString(w, 'n', canonNumber(float64(x)))
	case int:
		writeString(w, 'n', canonNumber(float64(x)))
	case int32:
		writeString(w, 'n', canonNumber(float64(x)))
	case int64:
		writeString(w, 'n', canonNumber(float64(x)))
	case uint:
		writeString(w, 'n', canonNumber(float64(x)))
	case uint32:
		writeString(w, 'n', canonNumber(float64(x)))
	case uint64:
		writeString(w, 'n', canonNumber(float64(x)))
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			writeString(w, 's', x.String())
			return
		}
		writeString(w, 'n', canonNumber(f))
	case []any:
		w.Write([]byte{'['})
		for _, e := range x {
			writeValue(w, e)
		}
		w.Write([]byte{']', 0})
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		w.Write([]byte{'{'})
		for _, k := range keys {
			writeString(w, 'k', k)
			writeValue(w, x[k])
		}
		w.Write([]byte{'}', 0})
	default:
		writeString(w, '?', fmt.Sprintf("%v", x))
	}
}

func canonNumber(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}
