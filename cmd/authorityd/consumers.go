package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/mandatekernel/authority-core/internal/config"
	"github.com/mandatekernel/authority-core/pkg/contracts"
	"github.com/mandatekernel/authority-core/pkg/ledger"
	"github.com/mandatekernel/authority-core/pkg/pipeline"
	"github.com/mandatekernel/authority-core/pkg/pricebook"
	"github.com/mandatekernel/authority-core/pkg/spendcache"
	"github.com/mandatekernel/authority-core/pkg/store"
)

// meteringEvent is the wire shape published once a metered action has
// actually executed, reporting the real cost back for durable spend
// accounting; the evaluator's hot-path budget check only consults the
// cache's already-recorded total, never this topic directly.
//
// ProducerSeq is a monotonically increasing, per-principal sequence number
// assigned by the producing agent; combined with PrincipalID it is the
// idempotency key the metering handler dedups on, since Kafka only
// guarantees at-least-once delivery and a redelivered event must never be
// recorded as spend twice.
type meteringEvent struct {
	PrincipalID  string            `json:"principal_id"`
	MandateID    string            `json:"mandate_id"`
	EventID      string            `json:"event_id"`
	ProducerSeq  int64             `json:"producer_seq"`
	ResourceType string            `json:"resource_type"`
	Amount       *contracts.Money  `json:"amount,omitempty"`
}

// policyEvent carries an externally-managed authority policy update to
// apply verbatim to the store.
type policyEvent struct {
	Policy contracts.AuthorityPolicy `json:"policy"`
}

// decisionEnvelope is what handleEvaluate publishes to DecisionsTopic:
// the original request alongside the decision it produced, so the
// consumer can append a durable audit record without the hot path
// having waited on the ledger write itself.
type decisionEnvelope struct {
	Request  contracts.DecisionRequest `json:"request"`
	Decision contracts.Decision        `json:"decision"`
}

// decisionPublisher is the api.DecisionPublisher backing implementation,
// a best-effort fire-and-forget Kafka producer: a dropped decision
// record only costs a thinner audit trail, never availability of the
// evaluate hot path itself.
type decisionPublisher struct {
	writer *kafka.Writer
	logger *slog.Logger
}

func newDecisionPublisher(cfg *config.Config, logger *slog.Logger) *decisionPublisher {
	return &decisionPublisher{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(cfg.KafkaBrokers...),
			Topic:                  cfg.DecisionsTopic,
			Balancer:               &kafka.Hash{},
			AllowAutoTopicCreation: true,
		},
		logger: logger,
	}
}

func (p *decisionPublisher) Publish(req contracts.DecisionRequest, decision contracts.Decision) {
	data, err := json.Marshal(decisionEnvelope{Request: req, Decision: decision})
	if err != nil {
		p.logger.Error("decision publish: marshal failed", "error", err)
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := p.writer.WriteMessages(ctx, kafka.Message{Key: []byte(req.PrincipalID), Value: data}); err != nil {
			p.logger.Error("decision publish: write failed", "error", err)
		}
	}()
}

func (p *decisionPublisher) Close() error {
	return p.writer.Close()
}

func decisionsHandler(writer *ledger.Writer) pipeline.Handler {
	return func(ctx context.Context, msg kafka.Message) error {
		var env decisionEnvelope
		if err := json.Unmarshal(msg.Value, &env); err != nil {
			return fmt.Errorf("decisions: decode: %w", err)
		}
		partition := partitionForPrincipal(env.Request.PrincipalID)
		_, err := writer.Append(ctx, partition, contracts.EventDecisionRecorded, env.Request.MandateID, env.Request.PrincipalID, env)
		return err
	}
}

// lifecycleEvent signals that an agent's underlying identity changed
// state outside of mandate-specific lifecycle actions (e.g. deprovisioned
// by the agent registry). lifecycleHandler records it in the ledger as a
// mandate.revoked entry for MandateID; it does not change the status of
// any stored mandate.
type lifecycleEvent struct {
	PrincipalID string `json:"principal_id"`
	MandateID   string `json:"mandate_id"`
	Reason      string `json:"reason"`
}

// startConsumers builds one pipeline.Consumer per topic the kernel
// consumes, each dispatching strictly in-order per partition and backed
// by its own DLQ.
func startConsumers(ctx context.Context, cfg *config.Config, logger *slog.Logger, st store.Store, writer *ledger.Writer, cache *spendcache.Cache, book *pricebook.Book) []*pipeline.Consumer {
	var consumers []*pipeline.Consumer

	metering := pipeline.NewConsumer(pipeline.Config{
		Brokers:    cfg.KafkaBrokers,
		Topic:      cfg.MeteringTopic,
		GroupID:    cfg.ConsumerGroup,
		DLQTopic:   cfg.DLQTopic,
		MaxRetries: 3,
		Logger:     logger,
	}, meteringHandler(st, cfg.ConsumerGroup, writer, cache, book))
	consumers = append(consumers, metering)

	policy := pipeline.NewConsumer(pipeline.Config{
		Brokers:    cfg.KafkaBrokers,
		Topic:      cfg.PolicyTopic,
		GroupID:    cfg.ConsumerGroup,
		DLQTopic:   cfg.DLQTopic,
		MaxRetries: 3,
		Logger:     logger,
	}, policyHandler(st))
	consumers = append(consumers, policy)

	decisions := pipeline.NewConsumer(pipeline.Config{
		Brokers:    cfg.KafkaBrokers,
		Topic:      cfg.DecisionsTopic,
		GroupID:    cfg.ConsumerGroup,
		DLQTopic:   cfg.DLQTopic,
		MaxRetries: 3,
		Logger:     logger,
	}, decisionsHandler(writer))
	consumers = append(consumers, decisions)

	lifecycle := pipeline.NewConsumer(pipeline.Config{
		Brokers:    cfg.KafkaBrokers,
		Topic:      cfg.LifecycleTopic,
		GroupID:    cfg.ConsumerGroup,
		DLQTopic:   cfg.DLQTopic,
		MaxRetries: 3,
		Logger:     logger,
	}, lifecycleHandler(writer))
	consumers = append(consumers, lifecycle)

	for _, c := range consumers {
		c := c
		go func() {
			if err := c.Run(ctx); err != nil {
				logger.Error("pipeline consumer exited", "error", err)
			}
		}()
	}
	return consumers
}

func meteringHandler(st store.Store, consumerGroup string, writer *ledger.Writer, cache *spendcache.Cache, book *pricebook.Book) pipeline.Handler {
	return func(ctx context.Context, msg kafka.Message) error {
		var ev meteringEvent
		if err := json.Unmarshal(msg.Value, &ev); err != nil {
			return fmt.Errorf("metering: decode: %w", err)
		}

		// At-least-once delivery means this message may be a redelivery
		// of one already applied; (principal_id, producer_seq) is unique
		// per real-world event, so a duplicate is dropped here before it
		// can double-count spend.
		first, err := st.MarkEventProcessed(ctx, consumerGroup, ev.PrincipalID, ev.ProducerSeq)
		if err != nil {
			return fmt.Errorf("metering: dedup check: %w", err)
		}
		if !first {
			return nil
		}

		amount := contracts.Money{}
		if ev.Amount != nil {
			amount = *ev.Amount
		} else if ev.ResourceType != "" {
			priced, err := book.Price(ev.ResourceType)
			if err != nil {
				return fmt.Errorf("metering: price lookup for %q: %w", ev.ResourceType, err)
			}
			amount = priced
		}

		if _, err := cache.Record(ctx, ev.PrincipalID, ev.EventID, amount); err != nil {
			return fmt.Errorf("metering: record spend: %w", err)
		}
		partition := partitionForPrincipal(ev.PrincipalID)
		if _, err := writer.Append(ctx, partition, contracts.EventSpendRecorded, ev.MandateID, ev.PrincipalID, amount); err != nil {
			return fmt.Errorf("metering: ledger append: %w", err)
		}
		return nil
	}
}

func policyHandler(st store.Store) pipeline.Handler {
	return func(ctx context.Context, msg kafka.Message) error {
		var ev policyEvent
		if err := json.Unmarshal(msg.Value, &ev); err != nil {
			return fmt.Errorf("policy: decode: %w", err)
		}
		return st.SavePolicy(ctx, &ev.Policy)
	}
}

func lifecycleHandler(writer *ledger.Writer) pipeline.Handler {
	return func(ctx context.Context, msg kafka.Message) error {
		var ev lifecycleEvent
		if err := json.Unmarshal(msg.Value, &ev); err != nil {
			return fmt.Errorf("lifecycle: decode: %w", err)
		}
		partition := partitionForPrincipal(ev.PrincipalID)
		_, err := writer.Append(ctx, partition, contracts.EventMandateRevoked, ev.MandateID, ev.PrincipalID, ev)
		return err
	}
}

// partitionForPrincipal maps a principal to a ledger partition name.
// Partitioning by principal keeps one agent's hash chain independent of
// every other agent's, so a hot agent's write volume never head-of-line
// blocks another's chain verification.
func partitionForPrincipal(principalID string) string {
	var h uint32
	for i := 0; i < len(principalID); i++ {
		h = h*31 + uint32(principalID[i])
	}
	return fmt.Sprintf("p%d", h%16)
}
