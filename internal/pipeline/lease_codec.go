package pipeline

import (
	"encoding/json"

	"github.com/lapig-ufg/tileserver/internal/backend"
)

// encodeLeaseRecord serializes a lease for storage at a cache meta_key.
func encodeLeaseRecord(lease backend.RenderLease) ([]byte, error) {
	return json.Marshal(leaseRecord{URLTemplate: lease.URLTemplate, IssuedAt: lease.IssuedAt})
}

// decodeLeaseRecord parses a lease previously stored by encodeLeaseRecord.
func decodeLeaseRecord(raw []byte) (*backend.RenderLease, error) {
	var rec leaseRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, err
	}
	return &backend.RenderLease{URLTemplate: rec.URLTemplate, IssuedAt: rec.IssuedAt}, nil
}
