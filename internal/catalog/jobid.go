package catalog

import "github.com/lapig-ufg/tileserver/internal/tilekey"

// ComputeJobID derives a Job's deterministic identifier from its config,
// per invariant 7: identical configuration under any map-key ordering
// yields the identical job_id, so resubmission never duplicates work.
func ComputeJobID(kind string, config map[string]any) string {
	return kind + "_" + tilekey.CanonicalDigest(config)
}
