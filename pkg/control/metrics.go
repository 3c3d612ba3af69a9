package control

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/itohio/gopdpsu/pkg/safety"
)

// Metrics exports control loop state to Prometheus. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	tickDuration  prometheus.Histogram
	lateTicks     prometheus.Counter
	sampleErrors  prometheus.Counter
	trips         *prometheus.CounterVec
	acks          *prometheus.CounterVec
	negotiations  *prometheus.CounterVec
	duty          prometheus.Gauge
	outputEnabled prometheus.Gauge
	voltage       prometheus.Gauge
	current       prometheus.Gauge
	power         prometheus.Gauge
	temperature   prometheus.Gauge
	contract      prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "psu_tick_duration_seconds",
			Help:    "Time spent in one control tick.",
			Buckets: prometheus.ExponentialBuckets(50e-6, 2, 10),
		}),
		lateTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "psu_late_ticks_total",
			Help: "Ticks whose period deviated beyond tolerance.",
		}),
		sampleErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "psu_sample_errors_total",
			Help: "Failed or implausible sensor samples.",
		}),
		trips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "psu_fault_trips_total",
			Help: "Protection latches by fault kind.",
		}, []string{"kind"}),
		acks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "psu_fault_acks_total",
			Help: "Fault acknowledge requests by result.",
		}, []string{"result"}),
		negotiations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "psu_pd_negotiations_total",
			Help: "PD contract negotiations by result.",
		}, []string{"result"}),
		duty: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "psu_duty",
			Help: "Last PWM duty command.",
		}),
		outputEnabled: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "psu_output_enabled",
			Help: "1 while the output is driven.",
		}),
		voltage: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "psu_output_voltage_volts",
			Help: "Last measured output voltage.",
		}),
		current: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "psu_output_current_amperes",
			Help: "Last measured output current.",
		}),
		power: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "psu_output_power_watts",
			Help: "Last measured output power.",
		}),
		temperature: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "psu_sensor_temperature_celsius",
			Help: "Last measured sensor die temperature.",
		}),
		contract: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "psu_pd_contract_volts",
			Help: "Voltage of the active PD contract, 0 without one.",
		}),
	}

	reg.MustRegister(
		m.tickDuration,
		m.lateTicks,
		m.sampleErrors,
		m.trips,
		m.acks,
		m.negotiations,
		m.duty,
		m.outputEnabled,
		m.voltage,
		m.current,
		m.power,
		m.temperature,
		m.contract,
	)

	for _, k := range safety.Kinds() {
		m.trips.WithLabelValues(k.String())
	}

	return m
}

func (m *Metrics) observeTick(s *Snapshot, took time.Duration) {
	if m == nil {
		return
	}
	m.tickDuration.Observe(took.Seconds())
	m.duty.Set(float64(s.Duty))
	if s.OutputEnabled {
		m.outputEnabled.Set(1)
	} else {
		m.outputEnabled.Set(0)
	}
	if s.Contract != nil {
		m.contract.Set(float64(s.Contract.Voltage) / 1000)
	} else {
		m.contract.Set(0)
	}
	if s.SampleError != nil {
		m.sampleErrors.Inc()
		return
	}
	m.voltage.Set(float64(s.Measurement.Voltage) / 1000)
	m.current.Set(float64(s.Measurement.Current) / 1000)
	m.power.Set(float64(s.Measurement.Power) / 1000)
	m.temperature.Set(s.Measurement.Temperature)
}

func (m *Metrics) lateTick() {
	if m == nil {
		return
	}
	m.lateTicks.Inc()
}

func (m *Metrics) trip(k safety.Kind) {
	if m == nil {
		return
	}
	m.trips.WithLabelValues(k.String()).Inc()
}

func (m *Metrics) ack(accepted bool) {
	if m == nil {
		return
	}
	if accepted {
		m.acks.WithLabelValues("accepted").Inc()
	} else {
		m.acks.WithLabelValues("rejected").Inc()
	}
}

func (m *Metrics) negotiation(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.negotiations.WithLabelValues("failed").Inc()
	} else {
		m.negotiations.WithLabelValues("ok").Inc()
	}
}
