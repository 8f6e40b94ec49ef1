package ohci

import (
	"errors"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ardnew/softohci/pkg"
)

// Metrics are the driver statistics.
type Metrics struct {
	EndpointOpens  *prometheus.CounterVec
	EndpointCloses *prometheus.CounterVec
	Submits        *prometheus.CounterVec
	Completions    *prometheus.CounterVec
	Aborts         prometheus.Counter
	DoneTDs        prometheus.Counter
	ShortPackets   prometheus.Counter
	Faults         *prometheus.CounterVec
	Interrupts     *prometheus.CounterVec
	PeriodicLoad   *prometheus.GaugeVec
}

// NewMetrics creates the driver statistics and registers them with reg
// when it is non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EndpointOpens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ohci_endpoint_opens_total",
			Help: "Endpoint open requests by transfer type and result.",
		}, []string{"type", "result"}),
		EndpointCloses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ohci_endpoint_closes_total",
			Help: "Endpoint close requests by transfer type and result.",
		}, []string{"type", "result"}),
		Submits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ohci_submits_total",
			Help: "Transfer submissions by transfer type and result.",
		}, []string{"type", "result"}),
		Completions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ohci_completions_total",
			Help: "Completed and cancelled transfers by status.",
		}, []string{"status"}),
		Aborts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ohci_aborts_total",
			Help: "Aborted transfers.",
		}),
		DoneTDs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ohci_done_tds_total",
			Help: "Transfer descriptors retired through the done queue.",
		}),
		ShortPackets: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ohci_short_packet_unwinds_total",
			Help: "Multi-descriptor transfers cut short by a short packet.",
		}),
		Faults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ohci_faults_total",
			Help: "Driver invariant violations by kind.",
		}, []string{"kind"}),
		Interrupts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ohci_interrupts_total",
			Help: "Serviced controller interrupts by cause.",
		}, []string{"cause"}),
		PeriodicLoad: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ohci_periodic_branch_load",
			Help: "Periodic bandwidth consumed in the frames of each interrupt table entry.",
		}, []string{"branch"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.EndpointOpens,
			m.EndpointCloses,
			m.Submits,
			m.Completions,
			m.Aborts,
			m.DoneTDs,
			m.ShortPackets,
			m.Faults,
			m.Interrupts,
			m.PeriodicLoad,
		)
	}
	return m
}

func (m *Metrics) setBranchLoad(i int, v uint32) {
	m.PeriodicLoad.WithLabelValues(strconv.Itoa(i)).Set(float64(v))
}

func (m *Metrics) fault(kind FaultKind) {
	m.Faults.WithLabelValues(string(kind)).Inc()
}

// resultLabel classifies an error for metric labels.
func resultLabel(err error) string {
	var fault *FaultError
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &fault):
		return "fault"
	case errors.Is(err, pkg.ErrNoMemory):
		return "no-memory"
	case errors.Is(err, pkg.ErrBandwidth):
		return "bandwidth"
	case errors.Is(err, pkg.ErrNotSupported):
		return "not-supported"
	case errors.Is(err, pkg.ErrInvalidParameter), errors.Is(err, pkg.ErrInvalidEndpoint):
		return "invalid"
	case errors.Is(err, ErrQuiesce), errors.Is(err, ErrInterruptContext):
		return "quiesce"
	default:
		return "error"
	}
}
