// Package api implements the HTTP admin API, the Prometheus metrics
// endpoint, and event streaming for the offload daemon.
package api

// Response is the standard JSON response envelope.
type Response struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// StatusResponse holds daemon status information.
type StatusResponse struct {
	Uptime        string `json:"uptime"`
	Engine        string `json:"engine"`
	State         string `json:"state"`
	Upstream      string `json:"upstream,omitempty"`
	Forwarding    bool   `json:"forwarding"`
	Downstreams   int    `json:"downstreams"`
	LocalPrefixes int    `json:"local_prefixes"`
	Quotas        int    `json:"quotas"`
	Capacity      int    `json:"capacity"`
}

// UpstreamRequest carries the parameters of an upstream rebind. An empty
// Iface clears the binding; an incomplete IPv4 pair or empty gateway list
// disables that family.
type UpstreamRequest struct {
	Iface      string   `json:"iface"`
	V4Addr     string   `json:"v4_addr,omitempty"`
	V4Gateway  string   `json:"v4_gateway,omitempty"`
	V6Gateways []string `json:"v6_gateways,omitempty"`
}

// DownstreamRequest names a downstream (iface, prefix) pair.
type DownstreamRequest struct {
	Iface  string `json:"iface"`
	Prefix string `json:"prefix"`
}

// LocalPrefixesRequest replaces the set of never-forwarded prefixes.
type LocalPrefixesRequest struct {
	Prefixes []string `json:"prefixes"`
}

// DataLimitRequest installs a byte quota on a forwarding upstream.
type DataLimitRequest struct {
	Upstream   string `json:"upstream"`
	LimitBytes uint64 `json:"limit_bytes"`
}

// StatsRequest names the upstream for a destructive counter read.
type StatsRequest struct {
	Upstream string `json:"upstream"`
}

// StatsResponse reports the bytes forwarded since the previous read.
type StatsResponse struct {
	Upstream string `json:"upstream"`
	RxBytes  uint64 `json:"rx_bytes"`
	TxBytes  uint64 `json:"tx_bytes"`
}

// TotalsEntry is a cumulative per-upstream byte total since Init. Unlike
// StatsResponse it is not consumed by reading.
type TotalsEntry struct {
	Upstream string `json:"upstream"`
	RxBytes  uint64 `json:"rx_bytes"`
	TxBytes  uint64 `json:"tx_bytes"`
}
