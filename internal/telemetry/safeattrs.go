package telemetry

import (
	"sort"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/straja-ai/phiwatch/internal/redact"
)

const metaPrefix = "phiwatch.meta."

var denyKeys = []string{
	"input",
	"output",
	"prompt",
	"content",
	"authorization",
	"api_key",
	"token",
	"email",
	"phone",
	"ssn",
	"patient",
	"dob",
	"mrn",
	"address",
}

// SafeAttributes turns request metadata into span attributes. Keys that may carry PHI or
// credentials are dropped, and string values are PHI-masked. Keys are prefixed with
// "phiwatch.meta." and emitted in sorted order.
func SafeAttributes(values map[string]any) []attribute.KeyValue {
	if len(values) == 0 {
		return nil
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var attrs []attribute.KeyValue
	for _, k := range keys {
		v := values[k]
		lk := strings.ToLower(k)
		skip := false
		for _, bad := range denyKeys {
			if strings.Contains(lk, bad) {
				skip = true
				break
			}
		}
		if skip {
			continue
		}
		switch val := v.(type) {
		case string:
			if len(val) > 512 {
				continue
			}
			attrs = append(attrs, attribute.String(metaPrefix+k, redact.PHI(val)))
		case bool:
			attrs = append(attrs, attribute.Bool(metaPrefix+k, val))
		case int:
			attrs = append(attrs, attribute.Int(metaPrefix+k, val))
		case int64:
			attrs = append(attrs, attribute.Int64(metaPrefix+k, val))
		case int32:
			attrs = append(attrs, attribute.Int64(metaPrefix+k, int64(val)))
		case float64:
			attrs = append(attrs, attribute.Float64(metaPrefix+k, val))
		case []string:
			attrs = append(attrs, attribute.StringSlice(metaPrefix+k, truncateStrings(val, 32)))
		case []int:
			ints := val
			if len(ints) > 32 {
				ints = ints[:32]
			}
			var conv []int64
			for _, i := range ints {
				conv = append(conv, int64(i))
			}
			attrs = append(attrs, attribute.Int64Slice(metaPrefix+k, conv))
		default:
			// unsupported types ignored for safety
		}
	}
	return attrs
}

func truncateStrings(in []string, limit int) []string {
	if len(in) <= limit {
		return in
	}
	return in[:limit]
}
