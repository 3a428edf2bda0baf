package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"go.uber.org/zap"
)

// SNSAPI is the subset of the SNS client used for forwarding
type SNSAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNSForwarder relays settlement events to an SNS topic for logistics
type SNSForwarder struct {
	client   SNSAPI
	topicARN string
	timeout  time.Duration
	logger   *zap.Logger
}

func NewSNSForwarder(client SNSAPI, topicARN string, logger *zap.Logger) *SNSForwarder {
	return &SNSForwarder{client: client, topicARN: topicARN, timeout: 5 * time.Second, logger: logger}
}

// Attach subscribes the forwarder to topics on bus
func (f *SNSForwarder) Attach(bus *Bus, topics ...string) error {
	for _, topic := range topics {
		if err := bus.Subscribe(topic, f.handle); err != nil {
			return fmt.Errorf("failed to subscribe %s: %w", topic, err)
		}
	}
	return nil
}

// Forward publishes one event. Failures are returned, not retried.
func (f *SNSForwarder) Forward(ctx context.Context, e SettlementEvent) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	_, err = f.client.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(f.topicARN),
		Message:  aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"event":       {DataType: aws.String("String"), StringValue: aws.String(e.Topic)},
			"contract_id": {DataType: aws.String("String"), StringValue: aws.String(e.ContractID.String())},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to publish %s to SNS: %w", e.Topic, err)
	}
	return nil
}

func (f *SNSForwarder) handle(e SettlementEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
	defer cancel()

	if err := f.Forward(ctx, e); err != nil {
		f.logger.Error("logistics event not delivered",
			zap.String("topic", e.Topic),
			zap.String("contract_id", e.ContractID.String()),
			zap.Error(err))
	}
}
