package api

import (
	"github.com/prometheus/client_golang/prometheus"
)

// offloadCollector implements prometheus.Collector, reading the controller
// model on each scrape.
type offloadCollector struct {
	srv *Server

	active        *prometheus.Desc
	downstreams   *prometheus.Desc
	localPrefixes *prometheus.Desc
	quotas        *prometheus.Desc

	forwardedBytesTotal *prometheus.Desc

	rejectedDownstreamsTotal *prometheus.Desc
	quotaBreachesTotal       *prometheus.Desc
	hardwareStopsTotal       *prometheus.Desc
	programErrorsTotal       *prometheus.Desc
}

func newCollector(srv *Server) *offloadCollector {
	return &offloadCollector{
		srv: srv,

		active: prometheus.NewDesc(
			"tethrx_offload_active",
			"Whether an offload session is active (1) or uninitialized (0).",
			nil, nil,
		),
		downstreams: prometheus.NewDesc(
			"tethrx_downstreams",
			"Current number of stored downstream prefix entries.",
			nil, nil,
		),
		localPrefixes: prometheus.NewDesc(
			"tethrx_local_prefixes",
			"Current number of prefixes excluded from forwarding.",
			nil, nil,
		),
		quotas: prometheus.NewDesc(
			"tethrx_quotas_active",
			"Current number of installed data limits.",
			nil, nil,
		),
		forwardedBytesTotal: prometheus.NewDesc(
			"tethrx_forwarded_bytes_total",
			"Total bytes forwarded in hardware per upstream since init.",
			[]string{"upstream", "direction"}, nil,
		),
		rejectedDownstreamsTotal: prometheus.NewDesc(
			"tethrx_downstreams_rejected_total",
			"Total downstream additions rejected.",
			nil, nil,
		),
		quotaBreachesTotal: prometheus.NewDesc(
			"tethrx_quota_breaches_total",
			"Total data limits reached.",
			nil, nil,
		),
		hardwareStopsTotal: prometheus.NewDesc(
			"tethrx_hardware_stops_total",
			"Total times the engine stopped forwarding on its own.",
			nil, nil,
		),
		programErrorsTotal: prometheus.NewDesc(
			"tethrx_program_errors_total",
			"Total hardware programming failures.",
			nil, nil,
		),
	}
}

func (c *offloadCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.active
	ch <- c.downstreams
	ch <- c.localPrefixes
	ch <- c.quotas
	ch <- c.forwardedBytesTotal
	ch <- c.rejectedDownstreamsTotal
	ch <- c.quotaBreachesTotal
	ch <- c.hardwareStopsTotal
	ch <- c.programErrorsTotal
}

func (c *offloadCollector) Collect(ch chan<- prometheus.Metric) {
	ms := c.srv.ctrl.MetricsSnapshot()

	var active float64
	if ms.Active {
		active = 1
	}
	ch <- prometheus.MustNewConstMetric(c.active, prometheus.GaugeValue, active)
	ch <- prometheus.MustNewConstMetric(c.downstreams, prometheus.GaugeValue,
		float64(ms.Downstreams))
	ch <- prometheus.MustNewConstMetric(c.localPrefixes, prometheus.GaugeValue,
		float64(ms.LocalPrefixes))
	ch <- prometheus.MustNewConstMetric(c.quotas, prometheus.GaugeValue,
		float64(ms.Quotas))

	for upstream, bytes := range ms.Totals {
		ch <- prometheus.MustNewConstMetric(c.forwardedBytesTotal, prometheus.CounterValue,
			float64(bytes[0]), upstream, "rx")
		ch <- prometheus.MustNewConstMetric(c.forwardedBytesTotal, prometheus.CounterValue,
			float64(bytes[1]), upstream, "tx")
	}

	ch <- prometheus.MustNewConstMetric(c.rejectedDownstreamsTotal, prometheus.CounterValue,
		float64(ms.RejectedDownstreams))
	ch <- prometheus.MustNewConstMetric(c.quotaBreachesTotal, prometheus.CounterValue,
		float64(ms.QuotaBreaches))
	ch <- prometheus.MustNewConstMetric(c.hardwareStopsTotal, prometheus.CounterValue,
		float64(ms.HardwareStops))
	ch <- prometheus.MustNewConstMetric(c.programErrorsTotal, prometheus.CounterValue,
		float64(ms.ProgramErrors))
}
