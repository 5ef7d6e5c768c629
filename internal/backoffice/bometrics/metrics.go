package bometrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// AccountsByPlan tracks the number of live accounts on each plan.
	AccountsByPlan = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "postforge",
		Subsystem: "backoffice",
		Name:      "accounts_by_plan",
		Help:      "Number of live accounts by plan.",
	}, []string{"plan"})

	// WebhookRequestsTotal counts webhook requests by provider, event type and status.
	WebhookRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "postforge",
		Subsystem: "backoffice",
		Name:      "webhook_requests_total",
		Help:      "Total webhook requests by provider, event type and HTTP status.",
	}, []string{"provider", "event_type", "status"})

	// WebhookDuration tracks webhook processing latency.
	WebhookDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "postforge",
		Subsystem: "backoffice",
		Name:      "webhook_duration_seconds",
		Help:      "Webhook processing duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"provider"})

	// WebhookOutcomes counts terminal outcomes of processed webhook events.
	WebhookOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "postforge",
		Subsystem: "backoffice",
		Name:      "webhook_outcomes_total",
		Help:      "Processed webhook events by provider and outcome.",
	}, []string{"provider", "outcome"})

	// RateGateDecisions counts rate gate decisions per resource.
	RateGateDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "postforge",
		Subsystem: "backoffice",
		Name:      "rate_gate_decisions_total",
		Help:      "Rate gate decisions by resource and result (allowed/denied).",
	}, []string{"resource", "result"})

	// BotCommandsTotal counts bot commands by command and result.
	BotCommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "postforge",
		Subsystem: "backoffice",
		Name:      "bot_commands_total",
		Help:      "Bot commands handled by command and result.",
	}, []string{"command", "result"})

	// NotificationsTotal counts downstream notifications by channel and result.
	NotificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "postforge",
		Subsystem: "backoffice",
		Name:      "notifications_total",
		Help:      "Downstream notifications by channel and result.",
	}, []string{"channel", "result"})

	// UpstreamRequestsTotal counts tool upstream calls by tool and result.
	UpstreamRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "postforge",
		Subsystem: "backoffice",
		Name:      "tool_upstream_requests_total",
		Help:      "Tool upstream requests by tool and result.",
	}, []string{"tool", "result"})
)
