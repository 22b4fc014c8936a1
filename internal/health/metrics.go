package health

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/jmylchreest/slotwatch/internal/circuit"
)

const namespace = "slotwatch"

// Collector exports a Reporter's snapshot as Prometheus metrics. Each scrape
// reads one snapshot, so all series in a scrape are mutually consistent.
type Collector struct {
	reporter *Reporter

	checks          *prometheus.Desc
	slotsFound      *prometheus.Desc
	bookings        *prometheus.Desc
	restarts        *prometheus.Desc
	consecutiveErrs *prometheus.Desc
	checksToday     *prometheus.Desc
	slotsToday      *prometheus.Desc
	bookingsToday   *prometheus.Desc
	lastSuccess     *prometheus.Desc
	up              *prometheus.Desc
}

// NewCollector creates a collector over r.
func NewCollector(r *Reporter) *Collector {
	labels := []string{"account"}
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, labels, nil)
	}
	return &Collector{
		reporter:        r,
		checks:          desc("checks_total", "Total number of availability checks."),
		slotsFound:      desc("slots_found_total", "Total checks that found slots."),
		bookings:        desc("bookings_total", "Total bookings made."),
		restarts:        desc("browser_restarts_total", "Total browser restarts."),
		consecutiveErrs: desc("consecutive_errors", "Current consecutive failed cycles."),
		checksToday:     desc("checks_today", "Checks since local midnight."),
		slotsToday:      desc("slots_found_today", "Slot findings since local midnight."),
		bookingsToday:   desc("bookings_today", "Bookings since local midnight."),
		lastSuccess:     desc("last_success_timestamp_seconds", "Unix time of the last successful cycle."),
		up:              desc("up", "1 unless the circuit breaker has stopped the monitor."),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.checks
	ch <- c.slotsFound
	ch <- c.bookings
	ch <- c.restarts
	ch <- c.consecutiveErrs
	ch <- c.checksToday
	ch <- c.slotsToday
	ch <- c.bookingsToday
	ch <- c.lastSuccess
	ch <- c.up
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.reporter.Snapshot()
	account := s.AccountID

	counter := func(d *prometheus.Desc, v float64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, v, account)
	}
	gauge := func(d *prometheus.Desc, v float64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, account)
	}

	counter(c.checks, float64(s.ChecksTotal))
	counter(c.slotsFound, float64(s.SlotsFoundTotal))
	counter(c.bookings, float64(s.BookingsTotal))
	counter(c.restarts, float64(s.BrowserRestarts))
	gauge(c.consecutiveErrs, float64(s.ConsecutiveErrors))
	gauge(c.checksToday, float64(s.ChecksToday))
	gauge(c.slotsToday, float64(s.SlotsFoundToday))
	gauge(c.bookingsToday, float64(s.BookingsToday))

	var lastSuccess float64
	if !s.LastSuccess.IsZero() {
		lastSuccess = float64(s.LastSuccess.Unix())
	}
	gauge(c.lastSuccess, lastSuccess)

	up := 1.0
	if s.Status == circuit.StatusStopped {
		up = 0
	}
	gauge(c.up, up)
}

// NewRegistry returns a registry holding the snapshot collector plus the
// standard Go runtime and process collectors. Every series carries the
// account label.
func NewRegistry(r *Reporter) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(NewCollector(r))

	labelled := prometheus.WrapRegistererWith(prometheus.Labels{"account": r.Snapshot().AccountID}, reg)
	labelled.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}
