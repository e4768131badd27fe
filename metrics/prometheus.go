// Package metrics exposes provisioning and reclaim outcomes to Prometheus.
package metrics

import (
	"context"
	"errors"
	"time"

	"github.com/gammadia/nimbus/cloud"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusRecorder implements cloud.Recorder.
type PrometheusRecorder struct {
	provisionsStarted *prometheus.CounterVec
	provisionsTotal   *prometheus.CounterVec
	provisionDuration *prometheus.HistogramVec
	templatesDisabled *prometheus.CounterVec
	reclaimsTotal     *prometheus.CounterVec
}

var _ cloud.Recorder = (*PrometheusRecorder)(nil)

// NewPrometheusRecorder registers its collectors with reg.
func NewPrometheusRecorder(reg prometheus.Registerer) *PrometheusRecorder {
	factory := promauto.With(reg)

	return &PrometheusRecorder{
		provisionsStarted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nimbus_provisions_started_total",
				Help: "Number of provisioning workflows started",
			},
			[]string{"cloud", "template"},
		),
		provisionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nimbus_provisions_total",
				Help: "Number of finished provisioning workflows by outcome",
			},
			[]string{"cloud", "template", "status", "error_type"},
		),
		provisionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nimbus_provision_duration_seconds",
				Help:    "Duration of provisioning workflows in seconds",
				Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1200},
			},
			[]string{"cloud", "template", "status"},
		),
		templatesDisabled: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nimbus_templates_disabled_total",
				Help: "Number of times a template was disabled by its circuit breaker",
			},
			[]string{"cloud", "template"},
		),
		reclaimsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nimbus_reclaims_total",
				Help: "Number of agents reclaimed by reason and outcome",
			},
			[]string{"cloud", "template", "reason", "status"},
		),
	}
}

func (p *PrometheusRecorder) ProvisionStarted(cloudName, template string) {
	p.provisionsStarted.WithLabelValues(cloudName, template).Inc()
}

func (p *PrometheusRecorder) ProvisionFinished(cloudName, template string, err error, duration time.Duration) {
	status := statusOf(err)
	p.provisionsTotal.WithLabelValues(cloudName, template, status, errorType(err)).Inc()
	p.provisionDuration.WithLabelValues(cloudName, template, status).Observe(duration.Seconds())
}

func (p *PrometheusRecorder) TemplateDisabled(cloudName, template string) {
	p.templatesDisabled.WithLabelValues(cloudName, template).Inc()
}

func (p *PrometheusRecorder) AgentReclaimed(cloudName, template, reason string, err error) {
	p.reclaimsTotal.WithLabelValues(cloudName, template, reason, statusOf(err)).Inc()
}

func statusOf(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// errorType keeps the label cardinality bounded.
func errorType(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	case errors.Is(err, cloud.ErrResourceCreation):
		return "creation"
	case errors.Is(err, cloud.ErrReachabilityTimeout):
		return "unreachable"
	case errors.Is(err, cloud.ErrResourceUnusable):
		return "unusable"
	case errors.Is(err, cloud.ErrTemplateDisabled):
		return "disabled"
	default:
		return "other"
	}
}
