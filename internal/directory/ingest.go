package directory

import (
	"context"
	"errors"

	"example.com/scorebridge/internal/bus"
	"example.com/scorebridge/internal/errs"
	"example.com/scorebridge/internal/metrics"
	"example.com/scorebridge/internal/wire"
	"github.com/rs/zerolog"
)

// Ingestor feeds ingestion topics of a Broker into the Service.
type Ingestor struct {
	svc     *Service
	log     zerolog.Logger
	metrics *metrics.Manager
}

func NewIngestor(svc *Service, log zerolog.Logger, m *metrics.Manager) *Ingestor {
	return &Ingestor{svc: svc, log: log, metrics: m}
}

func (in *Ingestor) Attach(b bus.Broker) {
	for _, topic := range wire.IngestTopics {
		b.Ingest(topic, in.handle)
	}
}

func (in *Ingestor) handle(ctx context.Context, msg bus.Message) {
	ev, err := wire.Decode(msg.Data)
	switch {
	case errors.Is(err, wire.ErrUnknownKind):
		in.metrics.BusEvent("unknown", "ignored")
		in.log.Debug().Err(err).Str("topic", msg.Topic).Msg("ingest: unknown kind ignored")
		return
	case err != nil:
		in.metrics.BusEvent("unknown", "malformed")
		in.log.Warn().Err(err).Str("topic", msg.Topic).Msg("ingest: malformed payload dropped")
		return
	}

	if topic, _ := wire.TopicOf(ev.Kind()); topic != msg.Topic {
		in.metrics.BusEvent(string(ev.Kind()), "ignored")
		in.log.Warn().Str("topic", msg.Topic).Str("kind", string(ev.Kind())).Msg("ingest: kind on wrong topic")
		return
	}

	var subject string
	switch e := ev.(type) {
	case wire.Submit:
		subject = e.JudgeID
	case wire.Join:
		subject = e.DeviceID
	case wire.Modify:
		subject = e.JudgeID
	}
	if sender, ok := bus.SenderFrom(ctx); ok && sender != subject {
		in.metrics.BusEvent(string(ev.Kind()), "rejected")
		in.log.Warn().Str("sender", sender).Str("judge", subject).Str("kind", string(ev.Kind())).
			Msg("ingest: sender does not own the payload")
		return
	}

	switch e := ev.(type) {
	case wire.Submit:
		err = in.svc.Submit(ctx, e)
	case wire.Join:
		err = in.svc.Join(ctx, e)
	case wire.Modify:
		err = in.svc.Modify(ctx, e)
	}

	if err != nil {
		in.metrics.BusEvent(string(ev.Kind()), errs.Signal(err))
		in.log.Warn().Err(err).Str("kind", string(ev.Kind())).Str("judge", subject).Msg("ingest rejected")
		return
	}
	in.metrics.BusEvent(string(ev.Kind()), "applied")
}
