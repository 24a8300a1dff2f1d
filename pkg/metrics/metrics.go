// Package metrics provides Prometheus metrics for NVMe-oF initiator operations.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "tns_nvmf"
)

// Operation names.
const (
	// Connection operations
	OpConnect              = "connect"
	OpConnectAll           = "connect_all"
	OpDiscover             = "discover"
	OpDisconnect           = "disconnect"
	OpDisconnectController = "disconnect_controller"
	OpDisconnectAll        = "disconnect_all"

	// Inventory and resolution
	OpListDevices        = "list_devices"
	OpListSubsystems     = "list_subsystems"
	OpResolveDevice      = "resolve_device"
	OpResolveController  = "resolve_controller"
	OpIdentifyNamespace  = "identify_namespace"
	OpIdentifyController = "identify_controller"

	// Reservations
	OpReservationReport   = "reservation_report"
	OpReservationRegister = "reservation_register"
	OpReservationAcquire  = "reservation_acquire"
	OpReservationRelease  = "reservation_release"

	// Controller lifecycle
	OpForceRemoveController = "force_remove_controller"
)

// Status label values.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

var (
	operationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Total number of NVMe-oF operations by host, operation type and status",
		},
		[]string{"host", "operation", "status"},
	)

	operationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Duration of NVMe-oF operations in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms to ~80s
		},
		[]string{"operation"},
	)

	subsystemsGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "subsystems",
			Help:      "Number of connected NVMe subsystems seen in the last inventory query",
		},
		[]string{"host"},
	)

	controllersGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "controllers",
			Help:      "Number of NVMe controllers seen in the last inventory query",
		},
		[]string{"host"},
	)

	inventoryAge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "inventory_last_refresh_timestamp_seconds",
			Help:      "Unix time of the last successful inventory query",
		},
		[]string{"host"},
	)
)

// RecordOperation records the outcome of an operation.
func RecordOperation(host, operation, status string, duration time.Duration) {
	operationsTotal.WithLabelValues(host, operation, status).Inc()
	operationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// SetInventory records the size of the latest inventory for a host.
func SetInventory(host string, subsystems, controllers int) {
	subsystemsGauge.WithLabelValues(host).Set(float64(subsystems))
	controllersGauge.WithLabelValues(host).Set(float64(controllers))
	inventoryAge.WithLabelValues(host).SetToCurrentTime()
}

// DeleteInventory removes the inventory gauges of a host.
func DeleteInventory(host string) {
	subsystemsGauge.DeleteLabelValues(host)
	controllersGauge.DeleteLabelValues(host)
	inventoryAge.DeleteLabelValues(host)
}

// OperationTimer helps time operations and record metrics automatically.
type OperationTimer struct {
	start     time.Time
	host      string
	operation string
}

// NewOperationTimer creates a new timer for an operation against host.
func NewOperationTimer(host, operation string) *OperationTimer {
	return &OperationTimer{
		start:     time.Now(),
		host:      host,
		operation: operation,
	}
}

// ObserveSuccess records a successful operation.
func (t *OperationTimer) ObserveSuccess() {
	RecordOperation(t.host, t.operation, StatusSuccess, time.Since(t.start))
}

// ObserveError records a failed operation.
func (t *OperationTimer) ObserveError() {
	RecordOperation(t.host, t.operation, StatusError, time.Since(t.start))
}

// Observe records success or failure depending on err.
func (t *OperationTimer) Observe(err error) {
	if err != nil {
		t.ObserveError()
		return
	}
	t.ObserveSuccess()
}
