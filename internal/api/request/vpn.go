package request

import (
	"net/http"
	"strconv"
)

// VPNLease holds the parsed query parameters for the worker-facing
// `GET /vpn` lease provisioning endpoint.
type VPNLease struct {
	Geo          string
	Type         string // "wireguard" or "socks5"
	Format       string // "text" or "json"
	LeaseSeconds int
	Priority     bool
	FeedbackURL  string
}

const (
	DefaultLeaseSeconds = 3600
	DefaultVPNType      = "wireguard"
	DefaultVPNFormat    = "json"
)

func ParseVPNLease(r *http.Request) VPNLease {
	q := r.URL.Query()

	lease := VPNLease{
		Geo:         q.Get("geo"),
		Type:        q.Get("type"),
		Format:      q.Get("format"),
		FeedbackURL: q.Get("feedback_url"),
	}
	if lease.Type == "" {
		lease.Type = DefaultVPNType
	}
	if lease.Format == "" {
		lease.Format = DefaultVPNFormat
	}

	lease.LeaseSeconds = DefaultLeaseSeconds
	if v := q.Get("lease_seconds"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			lease.LeaseSeconds = n
		}
	}

	if v := q.Get("priority"); v != "" {
		lease.Priority, _ = strconv.ParseBool(v)
	}

	return lease
}

// Pagination holds parsed pagination parameters for the stats/listing
// routes.
type Pagination struct {
	Limit int
}

const (
	DefaultLimit = 50
	MaxLimit     = 500
)

func ParsePagination(r *http.Request) Pagination {
	p := Pagination{Limit: DefaultLimit}
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			p.Limit = n
		}
	}
	if p.Limit > MaxLimit {
		p.Limit = MaxLimit
	}
	return p
}
