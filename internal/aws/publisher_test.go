package aws

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockSQS struct {
	inputs []*sqs.SendMessageInput
	err    error
}

func (m *mockSQS) SendMessage(_ context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.inputs = append(m.inputs, in)
	return &sqs.SendMessageOutput{}, nil
}

func TestPublisherTagsTopic(t *testing.T) {
	mock := &mockSQS{}
	p := NewPublisher(mock, "https://sqs.local/queue")

	require.NoError(t, p.Publish(context.Background(), "production.queue.added", []byte(`{"order_id":"o1"}`)))
	require.Len(t, mock.inputs, 1)

	in := mock.inputs[0]
	assert.Equal(t, "https://sqs.local/queue", *in.QueueUrl)
	assert.Equal(t, `{"order_id":"o1"}`, *in.MessageBody)
	attr, ok := in.MessageAttributes[TopicAttribute]
	require.True(t, ok)
	assert.Equal(t, "String", *attr.DataType)
	assert.Equal(t, "production.queue.added", *attr.StringValue)
}

func TestPublisherWrapsError(t *testing.T) {
	boom := errors.New("throttled")
	p := NewPublisher(&mockSQS{err: boom}, "q")

	err := p.Publish(context.Background(), "t", []byte("{}"))
	assert.ErrorIs(t, err, boom)
}
