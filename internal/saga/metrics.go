package saga

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts persister activity.
//
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	Operations       *prometheus.CounterVec
	IndexWrites      *prometheus.CounterVec
	Lookups          *prometheus.CounterVec
	SchemaMismatches prometheus.Counter
}

// NewMetrics creates the persister counters and registers them with reg.
// A nil reg registers with the default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		Operations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sagastore_persister_operations_total",
				Help: "Persister operations by kind",
			},
			[]string{"op"},
		),
		IndexWrites: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sagastore_unique_index_writes_total",
				Help: "Unique identity documents created or scheduled for deletion",
			},
			[]string{"action"},
		),
		Lookups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sagastore_lookups_total",
				Help: "Property lookups by resolution path",
			},
			[]string{"path"},
		),
		SchemaMismatches: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "sagastore_schema_mismatches_total",
				Help: "Property queries answered as no match because of a schema mismatch",
			},
		),
	}
}

func (m *Metrics) operation(op string) {
	if m == nil {
		return
	}
	m.Operations.WithLabelValues(op).Inc()
}

func (m *Metrics) indexWrite(action string) {
	if m == nil {
		return
	}
	m.IndexWrites.WithLabelValues(action).Inc()
}

func (m *Metrics) lookup(path string) {
	if m == nil {
		return
	}
	m.Lookups.WithLabelValues(path).Inc()
}

func (m *Metrics) schemaMismatch() {
	if m == nil {
		return
	}
	m.SchemaMismatches.Inc()
}
