package registry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// collectors mirrors RegistryStats as Prometheus gauges/counters so a host
// process can mount /metrics if it wants to; mounting an HTTP handler is
// out of scope, only the collectors themselves are.
type collectors struct {
	agentsByRoleStatus *prometheus.GaugeVec
	messagesQueued     prometheus.Counter
}

func newCollectors(reg prometheus.Registerer) *collectors {
	c := &collectors{
		agentsByRoleStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "agentorch_agents_total",
			Help: "Number of registered agents by role and status.",
		}, []string{"role", "status"}),
		messagesQueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agentorch_messages_queued_total",
			Help: "Total number of inter-agent messages enqueued.",
		}),
	}
	reg.MustRegister(c.agentsByRoleStatus, c.messagesQueued)
	return c
}

// observeLocked recomputes the agentsByRoleStatus gauge from the current
// entry set. Callers must hold the registry's mutex.
func (c *collectors) observeLocked(entries map[string]*entry) {
	c.agentsByRoleStatus.Reset()
	counts := make(map[[2]string]int)
	for _, e := range entries {
		key := [2]string{string(e.descriptor.Role), string(e.descriptor.Status)}
		counts[key]++
	}
	for key, n := range counts {
		c.agentsByRoleStatus.WithLabelValues(key[0], key[1]).Set(float64(n))
	}
}
