package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type MockSNS struct {
	mock.Mock
}

func (m *MockSNS) Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*sns.PublishOutput), args.Error(1)
}

func TestBusDeliversToSubscribers(t *testing.T) {
	bus := NewBus(zap.NewNop())

	var (
		mu       sync.Mutex
		received []SettlementEvent
	)
	require.NoError(t, bus.Subscribe(TopicMilestonePaid, func(e SettlementEvent) {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, e)
	}))

	contractID := uuid.New()
	bus.Publish(SettlementEvent{Topic: TopicMilestonePaid, ContractID: contractID})
	bus.Publish(SettlementEvent{Topic: TopicMilestoneDone, ContractID: contractID})
	bus.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 1)
	assert.Equal(t, contractID, received[0].ContractID)
	assert.False(t, received[0].OccurredAt.IsZero())
}

func TestSNSForwarderPublishesLogisticsEvents(t *testing.T) {
	client := new(MockSNS)
	forwarder := NewSNSForwarder(client, "arn:aws:sns:eu-west-1:123456789012:logistics", zap.NewNop())
	bus := NewBus(zap.NewNop())
	require.NoError(t, forwarder.Attach(bus, LogisticsTopics...))

	contractID := uuid.New()
	client.On("Publish", mock.Anything, mock.MatchedBy(func(in *sns.PublishInput) bool {
		var e SettlementEvent
		if err := json.Unmarshal([]byte(*in.Message), &e); err != nil {
			return false
		}
		return *in.TopicArn == "arn:aws:sns:eu-west-1:123456789012:logistics" &&
			e.Topic == TopicContractCompleted &&
			e.ContractID == contractID &&
			*in.MessageAttributes["event"].StringValue == TopicContractCompleted
	})).Return(&sns.PublishOutput{}, nil).Once()

	bus.Publish(SettlementEvent{Topic: TopicContractCompleted, ContractID: contractID})
	// not a logistics topic
	bus.Publish(SettlementEvent{Topic: TopicContractAccepted, ContractID: contractID})
	bus.Wait()

	client.AssertExpectations(t)
	client.AssertNumberOfCalls(t, "Publish", 1)
}

func TestSNSForwarderReturnsErrors(t *testing.T) {
	client := new(MockSNS)
	forwarder := NewSNSForwarder(client, "arn:topic", zap.NewNop())
	client.On("Publish", mock.Anything, mock.Anything).Return(nil, errors.New("throttled"))

	err := forwarder.Forward(context.Background(), SettlementEvent{Topic: TopicMilestoneDone, ContractID: uuid.New()})
	assert.ErrorContains(t, err, "throttled")
}
