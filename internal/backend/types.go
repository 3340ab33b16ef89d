package backend

import "time"

// RenderLease is the (url_template, issued_at) pair obtained from
// lease_layer. The URL carries {x}/{y}/{z} placeholders; fetching it with
// concrete coordinates returns one tile's PNG.
type RenderLease struct {
	URLTemplate string    `json:"url_template"`
	IssuedAt    time.Time `json:"issued_at"`
}

// Expired reports whether the lease is older than lifespan and must be
// renewed before further fetches.
func (l RenderLease) Expired(lifespan time.Duration) bool {
	return time.Since(l.IssuedAt) > lifespan
}

// leaseRequest is the JSON body sent to the imagery backend's lease
// endpoint.
type leaseRequest struct {
	Layer  string `json:"layer"`
	Region string `json:"region"`
	Params string `json:"params"`
}
