package recommend

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// cacheLookups counts quiz-scoped cache reads by result.
	cacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "catmap_rec_links_cache_total",
		Help: "Recommendation link cache lookups by result (hit, miss, skip).",
	}, []string{"result"})

	// linksResolved counts links built on cache misses.
	linksResolved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "catmap_rec_links_resolved_total",
		Help: "Recommendation links resolved from category mappings.",
	})

	// linksDropped counts mapped categories that produced no usable link.
	linksDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "catmap_rec_links_dropped_total",
		Help: "Mapped categories omitted from results by reason.",
	}, []string{"reason"})
)
