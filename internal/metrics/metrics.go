// Package metrics exposes prometheus collectors for the chat core.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "recallchat"

// Purge causes.
const (
	PurgeCauseWindow   = "window"
	PurgeCauseExplicit = "explicit"
	PurgeCauseDelete   = "delete"
	PurgeCauseSweep    = "sweep"
)

// Metrics groups the collectors updated by the hub and the lifecycle.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	MessagesSent       prometheus.Counter
	Recalls            prometheus.Counter
	Edits              prometheus.Counter
	Purges             *prometheus.CounterVec
	Denials            *prometheus.CounterVec
	AttachmentsDeleted prometheus.Counter
	Connections        prometheus.Gauge
	OnlineUsers        prometheus.Gauge
}

// New creates collectors registered on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: reg,
		MessagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Messages accepted and persisted.",
		}),
		Recalls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_recalled_total",
			Help:      "Successful recalls.",
		}),
		Edits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_edited_total",
			Help:      "Recalled messages revived by a re-edit.",
		}),
		Purges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_purged_total",
			Help:      "Messages removed from the store, by cause.",
		}, []string{"cause"}),
		Denials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actions_denied_total",
			Help:      "Client actions rejected, by error code.",
		}, []string{"code"}),
		AttachmentsDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attachments_deleted_total",
			Help:      "Attachment files removed by the reconciler.",
		}),
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Connections that announced an identity.",
		}),
		OnlineUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "online_users",
			Help:      "Distinct users with at least one connection.",
		}),
	}

	reg.MustRegister(
		m.MessagesSent,
		m.Recalls,
		m.Edits,
		m.Purges,
		m.Denials,
		m.AttachmentsDeleted,
		m.Connections,
		m.OnlineUsers,
	)
	return m
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// IncSent counts a persisted message.
func (m *Metrics) IncSent() {
	if m != nil {
		m.MessagesSent.Inc()
	}
}

// IncRecall counts a committed recall.
func (m *Metrics) IncRecall() {
	if m != nil {
		m.Recalls.Inc()
	}
}

// IncEdit counts a recalled message revived by its author.
func (m *Metrics) IncEdit() {
	if m != nil {
		m.Edits.Inc()
	}
}

// IncPurge counts a purged message, labelled by what triggered it.
func (m *Metrics) IncPurge(cause string) {
	if m != nil {
		m.Purges.WithLabelValues(cause).Inc()
	}
}

// IncDenial counts a rejected client command by error code.
func (m *Metrics) IncDenial(code string) {
	if m != nil {
		m.Denials.WithLabelValues(code).Inc()
	}
}

// IncAttachmentDeleted counts an attachment file actually removed.
func (m *Metrics) IncAttachmentDeleted() {
	if m != nil {
		m.AttachmentsDeleted.Inc()
	}
}

// SetPresence records connection and distinct-user counts.
func (m *Metrics) SetPresence(connections, users int) {
	if m != nil {
		m.Connections.Set(float64(connections))
		m.OnlineUsers.Set(float64(users))
	}
}
