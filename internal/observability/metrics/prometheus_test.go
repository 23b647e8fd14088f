package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestStockChanged(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.StockChanged("refill", nil)
	m.StockChanged("refill", nil)
	m.StockChanged("consumption", errors.New("stale"))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.StockChanges.WithLabelValues("refill")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StockChangeFailures.WithLabelValues("consumption")))
}

func TestSetLowStock_Resets(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.SetLowStock(map[string]int{"critical": 2, "warning": 1})
	m.SetLowStock(map[string]int{"warning": 3})

	assert.Equal(t, 1, testutil.CollectAndCount(m.LowStockMedications))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.LowStockMedications.WithLabelValues("warning")))
}

func TestAlertSent(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.AlertSent("critical", false)
	m.AlertSent("critical", true)
	m.AlertSent("warning", false)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.AlertsPublished.WithLabelValues("critical")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AlertsPublished.WithLabelValues("warning")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AlertsSuppressed))
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.StockChanged("refill", nil)
		m.ObserveComputation("streak", 0.1)
		m.SetLowStock(nil)
		m.AlertSent("critical", false)
	})
}
