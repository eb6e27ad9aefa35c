// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package health

import (
	"github.com/absmach/fluxpush/dst/broker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "fluxpush"

// hallCollector exposes hall counters as Prometheus metrics, read at
// scrape time from a stats snapshot.
type hallCollector struct {
	hall  *broker.Hall
	conns ConnectionCounter

	registries      *prometheus.Desc
	subscriptions   *prometheus.Desc
	topics          *prometheus.Desc
	connections     *prometheus.Desc
	publishes       *prometheus.Desc
	pushes          *prometheus.Desc
	acks            *prometheus.Desc
	retransmissions *prometheus.Desc
	ackTimeouts     *prometheus.Desc
	inflightDrops   *prometheus.Desc
	bytesReceived   *prometheus.Desc
	uptime          *prometheus.Desc
}

func newHallCollector(hall *broker.Hall, conns ConnectionCounter) *hallCollector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "hall", name), help, nil, nil)
	}
	return &hallCollector{
		hall:            hall,
		conns:           conns,
		registries:      desc("registries", "Live subscription registries."),
		subscriptions:   desc("subscriptions", "Active (connection, topic) subscriptions."),
		topics:          desc("topics", "Topics with at least one subscriber."),
		connections:     desc("connections", "Connections currently served."),
		publishes:       desc("publishes_total", "Messages routed by the hall."),
		pushes:          desc("pushes_total", "Pushes handed to connections."),
		acks:            desc("acks_total", "Acknowledgments that cleared an inflight push."),
		retransmissions: desc("retransmissions_total", "Inflight pushes sent again."),
		ackTimeouts:     desc("ack_timeouts_total", "Pushes abandoned after the retry budget."),
		inflightDrops:   desc("inflight_drops_total", "Pushes dropped because the inflight window was full."),
		bytesReceived:   desc("bytes_received_total", "Published payload bytes."),
		uptime:          desc("uptime_seconds", "Seconds since the hall started."),
	}
}

func (c *hallCollector) Describe(ch chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(c, ch)
}

func (c *hallCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.hall.Stats().Snapshot()

	gauge := func(d *prometheus.Desc, v float64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v)
	}
	counter := func(d *prometheus.Desc, v uint64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v))
	}

	gauge(c.registries, float64(s.Registries))
	gauge(c.subscriptions, float64(s.Subscriptions))
	gauge(c.topics, float64(c.hall.Topics()))
	gauge(c.uptime, s.Uptime.Seconds())
	if c.conns != nil {
		gauge(c.connections, float64(c.conns.Active()))
	}
	counter(c.publishes, s.Publishes)
	counter(c.pushes, s.Pushes)
	counter(c.acks, s.Acks)
	counter(c.retransmissions, s.Retransmissions)
	counter(c.ackTimeouts, s.AckTimeouts)
	counter(c.inflightDrops, s.InflightDrops)
	counter(c.bytesReceived, s.BytesReceived)
}

// newRegistry builds the registry served on /metrics: runtime and process
// collectors plus the hall collector when a hall is present.
func newRegistry(hall *broker.Hall, conns ConnectionCounter) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if hall != nil {
		reg.MustRegister(newHallCollector(hall, conns))
	}
	return reg
}
