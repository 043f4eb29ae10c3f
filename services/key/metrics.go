package key

import "github.com/prometheus/client_golang/prometheus"

var (
	activations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "keyserver_activations_total",
		Help: "Activation attempts by outcome.",
	}, []string{"result"})

	checks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "keyserver_checks_total",
		Help: "Key checks by outcome.",
	}, []string{"result"})

	keysCut = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "keyserver_keys_cut_total",
		Help: "Keys issued.",
	})
)

func init() {
	prometheus.MustRegister(activations, checks, keysCut)
}
