package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds the service's metric instruments.
type Metrics struct {
	TurnsCommitted        metric.Int64Counter
	CommitFailures        metric.Int64Counter
	Transcriptions        metric.Int64Counter
	EmptyTranscripts      metric.Int64Counter
	SessionsStarted       metric.Int64Counter
	ActiveSessions        metric.Int64UpDownCounter
	SweptBuffers          metric.Int64Counter
	TurnDuration          metric.Float64Histogram
	TranscribedAudioBytes metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.TurnsCommitted, err = meter.Int64Counter("helpline.turns.committed",
		metric.WithDescription("Turns durably appended to the session ledger"),
	)
	if err != nil {
		return nil, err
	}

	m.CommitFailures, err = meter.Int64Counter("helpline.turns.commit_failures",
		metric.WithDescription("Turn commits that exhausted their retry budget"),
	)
	if err != nil {
		return nil, err
	}

	m.Transcriptions, err = meter.Int64Counter("helpline.transcriptions",
		metric.WithDescription("Audio turns sent to the recognizer"),
	)
	if err != nil {
		return nil, err
	}

	m.EmptyTranscripts, err = meter.Int64Counter("helpline.transcriptions.empty",
		metric.WithDescription("Audio turns that produced no transcript"),
	)
	if err != nil {
		return nil, err
	}

	m.SessionsStarted, err = meter.Int64Counter("helpline.sessions.started",
		metric.WithDescription("New session rows created in the ledger"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveSessions, err = meter.Int64UpDownCounter("helpline.sessions.active",
		metric.WithDescription("Currently connected WebSocket sessions"),
	)
	if err != nil {
		return nil, err
	}

	m.SweptBuffers, err = meter.Int64Counter("helpline.sweeper.buffers",
		metric.WithDescription("Idle turn buffers reclaimed by the janitor"),
	)
	if err != nil {
		return nil, err
	}

	m.TurnDuration, err = meter.Float64Histogram("helpline.turn.duration",
		metric.WithDescription("Turn handling duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TranscribedAudioBytes, err = meter.Int64Counter("helpline.transcriptions.bytes",
		metric.WithDescription("Total audio bytes sent to the recognizer"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
