package tilekey

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// CanonicalDigest hashes an arbitrary parameter map into a stable digest,
// independent of Go's randomized map iteration order. It backs both
// render_params_digest and compute_job_id: the same logical configuration,
// however its keys were inserted, always yields the same digest.
func CanonicalDigest(params map[string]any) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	ordered := make([]canonicalEntry, len(keys))
	for i, k := range keys {
		ordered[i] = canonicalEntry{Key: k, Value: params[k]}
	}

	// json.Marshal on a slice preserves element order, unlike marshaling a
	// map[string]any, so the sorted keys above are what actually determine
	// the digest's stability.
	b, err := json.Marshal(ordered)
	if err != nil {
		// Parameter maps are always JSON-marshalable call-site data; a
		// failure here means a caller passed something that isn't.
		panic("tilekey: unmarshalable digest params: " + err.Error())
	}

	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

type canonicalEntry struct {
	Key   string `json:"k"`
	Value any    `json:"v"`
}
