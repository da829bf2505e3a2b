package ingestion

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// NATSSubscriber subscribes to the JetStream input subjects and hands raw
// messages to the router. Acknowledgement is deferred to the router, which
// acks only once the engine has resolved the message.
type NATSSubscriber struct {
	js        jetstream.JetStream
	eventChan chan<- RawEvent
	consumers []jetstream.ConsumeContext
	logger    zerolog.Logger
}

// RawEvent is an undecoded inbound message plus its acknowledgement hooks.
type RawEvent struct {
	Subject          string
	Data             []byte
	Timestamp        time.Time
	AckFunc          func()              // Processed, do not redeliver
	NakFunc          func()              // Redeliver now
	NakWithDelayFunc func(time.Duration) // Redeliver after a delay
	InProgressFunc   func()              // Still pending, extend AckWait
}

func (r RawEvent) ack() {
	if r.AckFunc != nil {
		r.AckFunc()
	}
}

func (r RawEvent) nak() {
	if r.NakFunc != nil {
		r.NakFunc()
	}
}

func (r RawEvent) nakWithDelay(d time.Duration) {
	if r.NakWithDelayFunc != nil {
		r.NakWithDelayFunc(d)
		return
	}
	r.nak()
}

func (r RawEvent) inProgress() {
	if r.InProgressFunc != nil {
		r.InProgressFunc()
	}
}

// SubjectConfig maps a subject filter to a message kind and its consumer.
// Durable consumers resume from their ack floor after a restart; the others
// are recreated and start from the newest message per subject.
type SubjectConfig struct {
	Subject       string
	Kind          MessageKind
	ConsumerName  string
	StreamName    string
	Durable       bool
	DeliverPolicy jetstream.DeliverPolicy
}

// DefaultSubjects returns the standard input subjects. Marks and parameters
// are keyed by instrument in the subject, so last-per-subject delivery gives
// the current value of each on startup.
func DefaultSubjects() []SubjectConfig {
	return []SubjectConfig{
		{Subject: "risk.fills.>", Kind: KindFill, ConsumerName: "risk-fills", StreamName: "RISK_FILLS", Durable: true, DeliverPolicy: jetstream.DeliverAllPolicy},
		{Subject: "risk.marks.>", Kind: KindMarkTick, ConsumerName: "risk-marks", StreamName: "RISK_MARKS", DeliverPolicy: jetstream.DeliverLastPerSubjectPolicy},
		{Subject: "risk.params.>", Kind: KindRiskParams, ConsumerName: "risk-params", StreamName: "RISK_PARAMS", DeliverPolicy: jetstream.DeliverLastPerSubjectPolicy},
		{Subject: "risk.commands.reserve.>", Kind: KindReserve, ConsumerName: "risk-cmd-reserve", StreamName: "RISK_COMMANDS", Durable: true, DeliverPolicy: jetstream.DeliverAllPolicy},
		{Subject: "risk.commands.release.>", Kind: KindRelease, ConsumerName: "risk-cmd-release", StreamName: "RISK_COMMANDS", Durable: true, DeliverPolicy: jetstream.DeliverAllPolicy},
		{Subject: "risk.commands.funding.>", Kind: KindFunding, ConsumerName: "risk-cmd-funding", StreamName: "RISK_COMMANDS", Durable: true, DeliverPolicy: jetstream.DeliverAllPolicy},
	}
}

func NewNATSSubscriber(js jetstream.JetStream, eventChan chan<- RawEvent, logger zerolog.Logger) *NATSSubscriber {
	return &NATSSubscriber{
		js:        js,
		eventChan: eventChan,
		logger:    logger,
	}
}

// Subscribe creates JetStream consumers for all configured subjects.
// Consumers use explicit ACK, max_deliver=5, ack_wait=30s.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, subjects []SubjectConfig) error {
	for _, cfg := range subjects {
		cc := jetstream.ConsumerConfig{
			FilterSubject: cfg.Subject,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       30 * time.Second,
			MaxDeliver:    5,
			DeliverPolicy: cfg.DeliverPolicy,
		}
		if cfg.Durable {
			cc.Durable = cfg.ConsumerName
		} else {
			cc.Name = cfg.ConsumerName
			cc.InactiveThreshold = time.Minute
		}

		consumer, err := ns.js.CreateOrUpdateConsumer(ctx, cfg.StreamName, cc)
		if err != nil {
			return fmt.Errorf("create consumer %s: %w", cfg.ConsumerName, err)
		}

		consumerContext, err := consumer.Consume(func(msg jetstream.Msg) {
			raw := RawEvent{
				Subject:          msg.Subject(),
				Data:             msg.Data(),
				Timestamp:        time.Now(),
				AckFunc:          func() { _ = msg.Ack() },
				NakFunc:          func() { _ = msg.Nak() },
				NakWithDelayFunc: func(d time.Duration) { _ = msg.NakWithDelay(d) },
				InProgressFunc:   func() { _ = msg.InProgress() },
			}

			select {
			case ns.eventChan <- raw:
			case <-ctx.Done():
				_ = msg.Nak()
			}
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
		}

		ns.consumers = append(ns.consumers, consumerContext)
		ns.logger.Info().Str("subject", cfg.Subject).Str("consumer", cfg.ConsumerName).Bool("durable", cfg.Durable).Msg("subscribed")
	}

	return nil
}

// EnsureStreams creates the input streams if they don't exist.
// Streams use FileStorage, retention=Limits, max_age=72h.
func EnsureStreams(ctx context.Context, js jetstream.JetStream, logger zerolog.Logger) error {
	streams := []jetstream.StreamConfig{
		{
			Name:      "RISK_FILLS",
			Subjects:  []string{"risk.fills.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:              "RISK_MARKS",
			Subjects:          []string{"risk.marks.>"},
			Storage:           jetstream.FileStorage,
			Retention:         jetstream.LimitsPolicy,
			MaxMsgsPerSubject: 16,
			MaxAge:            time.Hour,
			Replicas:          1,
		},
		{
			Name:              "RISK_PARAMS",
			Subjects:          []string{"risk.params.>"},
			Storage:           jetstream.FileStorage,
			Retention:         jetstream.LimitsPolicy,
			MaxMsgsPerSubject: 16,
			Replicas:          1,
		},
		{
			Name:      "RISK_COMMANDS",
			Subjects:  []string{"risk.commands.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
	}

	for _, cfg := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
		logger.Info().Str("stream", cfg.Name).Msg("ensured stream")
	}

	return nil
}

// Stop gracefully stops all consumers.
func (ns *NATSSubscriber) Stop() {
	for _, cc := range ns.consumers {
		cc.Stop()
	}
	ns.logger.Info().Msg("NATS subscribers stopped")
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, logger zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("perprisk"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}
