package events

import (
	"context"
	"log"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

var (
	eventMetricsOnce sync.Once
	eventsPublished  otelmetric.Int64Counter
	sinkErrors       otelmetric.Int64Counter
)

func initEventMetrics() {
	meter := otel.Meter("storycore/events")
	var err error
	eventsPublished, err = meter.Int64Counter(
		"events_published_total",
		otelmetric.WithDescription("Notification envelopes published to the bus"),
	)
	if err != nil {
		log.Printf("events metrics init: events_published_total: %v", err)
	}
	sinkErrors, err = meter.Int64Counter(
		"event_sink_errors_total",
		otelmetric.WithDescription("Sink errors and panics recovered during fanout"),
	)
	if err != nil {
		log.Printf("events metrics init: event_sink_errors_total: %v", err)
	}
}

func recordPublished(eventType string) {
	eventMetricsOnce.Do(initEventMetrics)
	if eventsPublished == nil {
		return
	}
	eventsPublished.Add(context.Background(), 1, otelmetric.WithAttributes(attribute.String("event_type", eventType)))
}

func recordSinkError(eventType string) {
	eventMetricsOnce.Do(initEventMetrics)
	if sinkErrors == nil {
		return
	}
	sinkErrors.Add(context.Background(), 1, otelmetric.WithAttributes(attribute.String("event_type", eventType)))
}
