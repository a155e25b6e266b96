package otel

import (
	"context"

	"github.com/basket/helpline/internal/bus"
	"go.opentelemetry.io/otel/metric"
)

// Observer drives the metric instruments from bus events, so the turn
// pipeline never imports the metrics layer directly.
type Observer struct {
	metrics  *Metrics
	eventBus *bus.Bus
}

func NewObserver(metrics *Metrics, eventBus *bus.Bus) *Observer {
	return &Observer{metrics: metrics, eventBus: eventBus}
}

// Run consumes events until ctx is cancelled. Call in a goroutine.
func (o *Observer) Run(ctx context.Context) {
	turnSub := o.eventBus.Subscribe("turn.")
	defer o.eventBus.Unsubscribe(turnSub)
	sessSub := o.eventBus.Subscribe("session.")
	defer o.eventBus.Unsubscribe(sessSub)

	for {
		var ev bus.Event
		select {
		case <-ctx.Done():
			return
		case ev = <-turnSub.Ch():
		case ev = <-sessSub.Ch():
		}
		o.record(ctx, ev)
	}
}

func (o *Observer) record(ctx context.Context, ev bus.Event) {
	switch p := ev.Payload.(type) {
	case bus.TurnCommittedEvent:
		o.metrics.TurnsCommitted.Add(ctx, 1, metric.WithAttributes(AttrUserID.String(p.UserID)))
		if p.NewSession {
			o.metrics.SessionsStarted.Add(ctx, 1)
		}
	case bus.TurnCommitFailedEvent:
		o.metrics.CommitFailures.Add(ctx, 1, metric.WithAttributes(AttrUserID.String(p.UserID)))
	case bus.TurnTranscribedEvent:
		o.metrics.Transcriptions.Add(ctx, 1)
		o.metrics.TranscribedAudioBytes.Add(ctx, int64(p.Bytes))
		if p.Empty {
			o.metrics.EmptyTranscripts.Add(ctx, 1)
		}
	case bus.SessionEvent:
		switch ev.Topic {
		case bus.TopicSessionConnected:
			o.metrics.ActiveSessions.Add(ctx, 1)
		case bus.TopicSessionDisconnected:
			o.metrics.ActiveSessions.Add(ctx, -1)
		case bus.TopicSessionSwept:
			o.metrics.SweptBuffers.Add(ctx, 1)
		}
	}
}
