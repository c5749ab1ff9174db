package notify

import (
	"github.com/LeeDigitalWorks/zapingest/pkg/debug"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// DeliveriesTotal counts notification attempts by channel and result.
	DeliveriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "zapingest",
		Subsystem: "notify",
		Name:      "deliveries_total",
		Help:      "Total notifications delivered by channel and result",
	}, []string{"channel", "result"}) // result: "success", "error"

	// DeliveryDuration tracks delivery latency by channel.
	DeliveryDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "zapingest",
		Subsystem: "notify",
		Name:      "delivery_duration_seconds",
		Help:      "Time spent delivering a notification",
		Buckets:   prometheus.DefBuckets,
	}, []string{"channel"})
)

func init() {
	debug.Registry().MustRegister(DeliveriesTotal, DeliveryDuration)
}
