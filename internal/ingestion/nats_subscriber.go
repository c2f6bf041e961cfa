package ingestion

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const (
	CommandSubjectPrefix  = "kwrap.cmd."
	AccountsSubjectPrefix = "kwrap.feed.accounts."
	SlotsSubject          = "kwrap.feed.slots"
	BlocksSubject         = "kwrap.feed.blocks"
	TransactionsSubject   = "kwrap.feed.transactions"
)

// NATSSubscriber consumes JetStream subjects. Commands are handed to the
// ingestion loop on eventChan; feed messages go straight to the feed handler.
type NATSSubscriber struct {
	js        jetstream.JetStream
	eventChan chan<- RawEvent
	feed      FeedHandler
	consumers []jetstream.ConsumeContext
}

// RawEvent is an undecoded command, ready for the ingestion loop to parse
// and apply.
type RawEvent struct {
	Subject   string
	Data      []byte
	Timestamp time.Time
	AckFunc   func() // after the command was applied or rejected for good
	NakFunc   func() // redeliver
}

// SubjectKind tells the subscriber where a subject's messages go.
type SubjectKind int

const (
	SubjectCommand SubjectKind = iota
	SubjectFeed
)

// SubjectConfig binds a subject filter to a durable consumer.
type SubjectConfig struct {
	Subject      string
	Kind         SubjectKind
	ConsumerName string
	StreamName   string
}

// FeedHandler takes one feed message. An error naks it.
type FeedHandler interface {
	Handle(subject string, data []byte) error
}

func DefaultSubjects() []SubjectConfig {
	return []SubjectConfig{
		{Subject: CommandSubjectPrefix + ">", Kind: SubjectCommand, ConsumerName: "kwrap-commands", StreamName: "KWRAP_COMMANDS"},
		{Subject: AccountsSubjectPrefix + ">", Kind: SubjectFeed, ConsumerName: "kwrap-feed-accounts", StreamName: "KWRAP_FEED"},
		{Subject: SlotsSubject, Kind: SubjectFeed, ConsumerName: "kwrap-feed-slots", StreamName: "KWRAP_FEED"},
		{Subject: BlocksSubject, Kind: SubjectFeed, ConsumerName: "kwrap-feed-blocks", StreamName: "KWRAP_FEED"},
		{Subject: TransactionsSubject, Kind: SubjectFeed, ConsumerName: "kwrap-feed-transactions", StreamName: "KWRAP_FEED"},
	}
}

func NewNATSSubscriber(js jetstream.JetStream, eventChan chan<- RawEvent, feed FeedHandler) *NATSSubscriber {
	return &NATSSubscriber{
		js:        js,
		eventChan: eventChan,
		feed:      feed,
	}
}

// Subscribe creates a consumer per subject: explicit ack, max_deliver=5,
// ack_wait=30s.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, subjects []SubjectConfig) error {
	for _, cfg := range subjects {
		consumer, err := ns.js.CreateOrUpdateConsumer(ctx, cfg.StreamName, jetstream.ConsumerConfig{
			Durable:       cfg.ConsumerName,
			FilterSubject: cfg.Subject,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       30 * time.Second,
			MaxDeliver:    5,
			DeliverPolicy: jetstream.DeliverAllPolicy,
		})
		if err != nil {
			return fmt.Errorf("create consumer %s: %w", cfg.ConsumerName, err)
		}

		handler := ns.commandHandler(ctx)
		if cfg.Kind == SubjectFeed {
			handler = ns.feedHandler()
		}

		consumerContext, err := consumer.Consume(handler)
		if err != nil {
			return fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
		}

		ns.consumers = append(ns.consumers, consumerContext)
		log.Printf("INFO: subscribed to %s (consumer=%s)", cfg.Subject, cfg.ConsumerName)
	}

	return nil
}

func (ns *NATSSubscriber) commandHandler(ctx context.Context) jetstream.MessageHandler {
	return func(msg jetstream.Msg) {
		raw := RawEvent{
			Subject:   msg.Subject(),
			Data:      msg.Data(),
			Timestamp: time.Now(),
			AckFunc:   func() { msg.Ack() },
			NakFunc:   func() { msg.Nak() },
		}

		select {
		case ns.eventChan <- raw:
		case <-ctx.Done():
			msg.Nak()
		}
	}
}

func (ns *NATSSubscriber) feedHandler() jetstream.MessageHandler {
	return func(msg jetstream.Msg) {
		if err := ns.feed.Handle(msg.Subject(), msg.Data()); err != nil {
			if IsPermanent(err) {
				// redelivery cannot fix a malformed message
				msg.Term()
				return
			}
			msg.Nak()
			return
		}
		msg.Ack()
	}
}

// EnsureStreams creates the inbound streams: file storage, limits retention,
// 72h max age.
func EnsureStreams(ctx context.Context, js jetstream.JetStream) error {
	streams := []jetstream.StreamConfig{
		{
			Name:      "KWRAP_COMMANDS",
			Subjects:  []string{CommandSubjectPrefix + ">"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      "KWRAP_FEED",
			Subjects:  []string{AccountsSubjectPrefix + ">", SlotsSubject, BlocksSubject, TransactionsSubject},
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
		log.Printf("INFO: ensured stream %s", cfg.Name)
	}

	return nil
}

func (ns *NATSSubscriber) Stop() {
	for _, cc := range ns.consumers {
		cc.Stop()
	}
	log.Println("INFO: NATS subscribers stopped")
}

// ConnectNATS connects with unlimited reconnects and returns a JetStream
// context.
func ConnectNATS(url string) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("kwrapledger"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Printf("WARN: NATS disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Println("INFO: NATS reconnected")
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
