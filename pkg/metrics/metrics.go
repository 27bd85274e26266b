package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors shared by the portal client, the
// fetchers and the poller. A nil *Metrics is valid and records nothing.
type Metrics struct {
	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	cycles          *prometheus.CounterVec
	sensorValue     *prometheus.GaugeVec
	sensorAvailable *prometheus.GaugeVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "apsema",
			Name:      "portal_requests_total",
			Help:      "Requests made to the EMA portal by endpoint and status code.",
		}, []string{"endpoint", "code"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "apsema",
			Name:      "portal_request_duration_seconds",
			Help:      "Latency of EMA portal requests.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"endpoint"}),
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "apsema",
			Name:      "fetch_cycles_total",
			Help:      "Completed fetch cycles by site and result.",
		}, []string{"site", "result"}),
		sensorValue: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "apsema",
			Name:      "sensor_value",
			Help:      "Latest numeric value of each sensor.",
		}, []string{"site", "sensor"}),
		sensorAvailable: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "apsema",
			Name:      "sensor_available",
			Help:      "1 when the sensor currently has a value.",
		}, []string{"site", "sensor"}),
	}
	reg.MustRegister(m.requests, m.requestDuration, m.cycles, m.sensorValue, m.sensorAvailable)
	return m
}

// ObserveRequest records one portal request. A code of 0 means the request
// never got a response.
func (m *Metrics) ObserveRequest(endpoint string, code int, d time.Duration) {
	if m == nil {
		return
	}
	c := "error"
	if code > 0 {
		c = strconv.Itoa(code)
	}
	m.requests.WithLabelValues(endpoint, c).Inc()
	m.requestDuration.WithLabelValues(endpoint).Observe(d.Seconds())
}

// ObserveCycle records the outcome of a fetch cycle.
func (m *Metrics) ObserveCycle(site, result string) {
	if m == nil {
		return
	}
	m.cycles.WithLabelValues(site, result).Inc()
}

// SetSensor records the current state of a sensor. The value series is
// removed while the sensor is unavailable or has no numeric value.
func (m *Metrics) SetSensor(site, sensor string, value *float64, available bool) {
	if m == nil {
		return
	}
	if value != nil && available {
		m.sensorValue.WithLabelValues(site, sensor).Set(*value)
	} else {
		m.sensorValue.DeleteLabelValues(site, sensor)
	}
	a := 0.0
	if available {
		a = 1
	}
	m.sensorAvailable.WithLabelValues(site, sensor).Set(a)
}
