// Package identity derives the content-addressed query identifier (qid)
// from a query kind and its parameters.
//
// A qid is a deterministic function of (kind, canonical params): the same
// logical query, however it is spelled by a caller, must always resolve to
// the same qid. That is what lets the rest of the system use the qid as a
// cache key and as the name of a distributed lock.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// Params is a query's parameter map before canonicalization. Values may be
// strings, numbers, bools, nested maps, or slices of the same.
type Params map[string]interface{}

// defaultFills supplies the default value for a parameter when the caller
// omits it, keyed by query kind and then parameter name. A query submitted
// with an omitted default-filled parameter must hash identically to one
// submitted with the default spelled out explicitly.
var defaultFills = map[string]map[string]interface{}{
	"*": {
		"subscriber_subset": "all",
	},
}

// directionAll is the degenerate spelling of direction that Canonicalize
// rewrites to its canonical form, directionBoth.
const directionAll = "all"
const directionBoth = "both"

// Canonicalize fills in defaults, normalizes known aliases, and returns a
// new Params value safe to hash. The input is not mutated.
func Canonicalize(kind string, params Params) Params {
	out := make(Params, len(params))
	for k, v := range params {
		out[k] = canonicalizeValue(v)
	}

	applyDefaults(kind, out)

	if d, ok := out["direction"]; ok {
		if s, ok := d.(string); ok && s == directionAll {
			out["direction"] = directionBoth
		}
	}

	if rawDate, ok := out["date"]; ok {
		if s, ok := rawDate.(string); ok {
			if norm, err := normalizeDate(s); err == nil {
				out["date"] = norm
			}
		}
	}

	return out
}

func applyDefaults(kind string, out Params) {
	for _, fillSet := range []map[string]interface{}{defaultFills["*"], defaultFills[kind]} {
		for k, v := range fillSet {
			if _, present := out[k]; !present {
				out[k] = v
			}
		}
	}
}

// normalizeDate parses a handful of common ISO-ish date spellings and
// re-emits them as YYYY-MM-DD, so "2016-01-01" and "2016-1-1" hash the same.
func normalizeDate(s string) (string, error) {
	for _, layout := range []string{"2006-01-02", "2006-1-2", time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format("2006-01-02"), nil
		}
	}
	return "", fmt.Errorf("identity: unrecognized date layout %q", s)
}

func canonicalizeValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, inner := range val {
			out[k] = canonicalizeValue(inner)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, inner := range val {
			out[i] = canonicalizeValue(inner)
		}
		return out
	default:
		return val
	}
}

// QID computes the 32-character lowercase hex content digest for a query
// kind and its (already canonicalized, or about to be canonicalized) params.
//
// The encoding is "hash, then fixed-width encode", the same shape as the
// teacher's GenerateHashID: canonical params are serialized to JSON with
// sorted keys, prefixed with the kind, hashed with SHA-256, and the first
// 16 bytes of the digest are hex-encoded to a 32-character identifier.
func QID(kind string, params Params) (string, error) {
	canon := Canonicalize(kind, params)

	payload, err := canonicalJSON(kind, canon)
	if err != nil {
		return "", fmt.Errorf("identity: encoding params for %q: %w", kind, err)
	}

	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:16]), nil
}

// canonicalJSON produces a deterministic byte encoding of kind+params: map
// keys are sorted at every level so that Go's otherwise-unordered map
// iteration can never perturb the hash.
func canonicalJSON(kind string, params Params) ([]byte, error) {
	ordered := orderedValue(map[string]interface{}(params))

	envelope := struct {
		Kind   string      `json:"kind"`
		Params interface{} `json:"params"`
	}{Kind: kind, Params: ordered}

	return json.Marshal(envelope)
}

// orderedKV is a single key/value pair preserved in sorted-key order; it
// marshals as a two-element JSON array so encoding/json cannot silently
// re-sort or deduplicate it.
type orderedKV struct {
	Key   string
	Value interface{}
}

func orderedValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]orderedKV, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, orderedKV{Key: k, Value: orderedValue(val[k])})
		}
		return pairs
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, inner := range val {
			out[i] = orderedValue(inner)
		}
		return out
	default:
		return val
	}
}

func (p orderedKV) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]interface{}{p.Key, p.Value})
}
