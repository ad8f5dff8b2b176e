package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	routeFired = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "zacharie_dispatch_route_fired_total",
		Help: "Exclusive dispatcher routes fired, by route name.",
	}, []string{"route"})

	webhooksSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "zacharie_dispatch_webhooks_total",
		Help: "Webhooks handed to the sender, by event name.",
	}, []string{"event"})

	notificationsSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "zacharie_dispatch_notifications_total",
		Help: "Notifications handed to the notifier.",
	})

	deliveryErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "zacharie_dispatch_delivery_errors_total",
		Help: "Notification or webhook deliveries that failed and were swallowed.",
	})
)
