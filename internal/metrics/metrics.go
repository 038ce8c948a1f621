// Package metrics exposes prometheus collectors for the issuance flow steps.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	StepWalletAttestation = "wallet_attestation"
	StepDiscovery         = "discovery"
	StepAuthorization     = "authorization"
	StepCallback          = "callback"
	StepToken             = "token"
	StepCredential        = "credential"
	StepTrustChain        = "trust_chain"
)

const (
	resultSuccess = "success"
	resultFailure = "failure"
)

type Collectors struct {
	steps     *prometheus.CounterVec
	durations *prometheus.HistogramVec
}

// New creates the collectors and registers them on reg. Collectors that
// were already registered are reused.
func New(reg prometheus.Registerer) (*Collectors, error) {
	steps := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wallet",
		Subsystem: "flow",
		Name:      "steps_total",
		Help:      "Number of issuance flow steps by outcome.",
	}, []string{"step", "result"})
	durations := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "wallet",
		Subsystem: "flow",
		Name:      "step_duration_seconds",
		Help:      "Duration of issuance flow steps.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"step"})

	c := &Collectors{}
	var err error
	if c.steps, err = register(reg, steps); err != nil {
		return nil, err
	}
	if c.durations, err = register(reg, durations); err != nil {
		return nil, err
	}
	return c, nil
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

// Observe records the outcome of a step that started at start. It is safe
// to call on a nil receiver.
func (c *Collectors) Observe(step string, start time.Time, err error) {
	if c == nil {
		return
	}

	result := resultSuccess
	if err != nil {
		result = resultFailure
	}
	c.steps.WithLabelValues(step, result).Inc()
	c.durations.WithLabelValues(step).Observe(time.Since(start).Seconds())
}
