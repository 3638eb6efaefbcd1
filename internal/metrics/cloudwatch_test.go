package metrics

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockCloudWatch struct {
	mu     sync.Mutex
	inputs []*cloudwatch.PutMetricDataInput
	err    error
}

func (m *mockCloudWatch) PutMetricData(_ context.Context, in *cloudwatch.PutMetricDataInput, _ ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inputs = append(m.inputs, in)
	if m.err != nil {
		return nil, m.err
	}
	return &cloudwatch.PutMetricDataOutput{}, nil
}

func (m *mockCloudWatch) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.inputs)
}

func TestIncrBuffersUntilFlush(t *testing.T) {
	log, _ := test.NewNullLogger()
	mock := &mockCloudWatch{}
	cw := NewCloudWatch(mock, "ProductionQueue", "api", log)
	now := time.Date(2025, 7, 1, 8, 0, 42, 0, time.UTC)
	cw.nowFunc = func() time.Time { return now }

	for i := 0; i < 5; i++ {
		cw.Incr(context.Background(), "EntriesAdded")
	}
	assert.Empty(t, mock.inputs)

	cw.Flush(context.Background())

	require.Len(t, mock.inputs, 1)
	in := mock.inputs[0]
	assert.Equal(t, "ProductionQueue", *in.Namespace)
	require.Len(t, in.MetricData, 1)
	d := in.MetricData[0]
	assert.Equal(t, "EntriesAdded", *d.MetricName)
	assert.Equal(t, 5.0, *d.Value)
	assert.Equal(t, cwtypes.StandardUnitCount, d.Unit)
	assert.Equal(t, now.Truncate(time.Minute), *d.Timestamp)
	require.Len(t, d.Dimensions, 1)
	assert.Equal(t, "Service", *d.Dimensions[0].Name)
	assert.Equal(t, "api", *d.Dimensions[0].Value)

	cw.Flush(context.Background())
	assert.Len(t, mock.inputs, 1, "empty buffer sends nothing")
}

func TestFlushSplitsByMinuteAndName(t *testing.T) {
	log, _ := test.NewNullLogger()
	mock := &mockCloudWatch{}
	cw := NewCloudWatch(mock, "ns", "worker", log)
	now := time.Date(2025, 7, 1, 8, 0, 59, 0, time.UTC)
	cw.nowFunc = func() time.Time { return now }

	cw.Incr(context.Background(), "StatusChanges")
	cw.Incr(context.Background(), "EntriesAdded")
	now = now.Add(time.Second)
	cw.Incr(context.Background(), "StatusChanges")
	cw.Flush(context.Background())

	require.Len(t, mock.inputs, 1)
	got := map[string]float64{}
	for _, d := range mock.inputs[0].MetricData {
		got[fmt.Sprintf("%s@%s", *d.MetricName, d.Timestamp.Format("15:04"))] = *d.Value
	}
	assert.Equal(t, map[string]float64{
		"StatusChanges@08:00": 1,
		"EntriesAdded@08:00":  1,
		"StatusChanges@08:01": 1,
	}, got)
}

func TestFlushBatchesLargeBuffers(t *testing.T) {
	log, _ := test.NewNullLogger()
	mock := &mockCloudWatch{}
	cw := NewCloudWatch(mock, "ns", "api", log)

	for i := 0; i < maxDatumsPerRequest+1; i++ {
		cw.Incr(context.Background(), fmt.Sprintf("m%d", i))
	}
	cw.Flush(context.Background())

	require.Len(t, mock.inputs, 2)
	assert.Len(t, mock.inputs[0].MetricData, maxDatumsPerRequest)
	assert.Len(t, mock.inputs[1].MetricData, 1)
}

func TestFlushLogsFailure(t *testing.T) {
	log, hook := test.NewNullLogger()
	cw := NewCloudWatch(&mockCloudWatch{err: errors.New("throttled")}, "ns", "worker", log)

	cw.Incr(context.Background(), "EventPublishFailures")
	cw.Flush(context.Background())

	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
	assert.Equal(t, 1, hook.LastEntry().Data["datums"])
}

func TestStartFlushesPeriodically(t *testing.T) {
	log, _ := test.NewNullLogger()
	mock := &mockCloudWatch{}
	cw := NewCloudWatch(mock, "ns", "api", log)
	cw.Start(10 * time.Millisecond)
	defer cw.Close()

	cw.Incr(context.Background(), "EntriesAdded")
	assert.Eventually(t, func() bool { return mock.calls() == 1 }, time.Second, 5*time.Millisecond)
}

func TestCloseFlushesRemainder(t *testing.T) {
	log, _ := test.NewNullLogger()
	mock := &mockCloudWatch{}
	cw := NewCloudWatch(mock, "ns", "api", log)
	cw.Start(time.Hour)

	cw.Incr(context.Background(), "EntriesAdded")
	cw.Incr(context.Background(), "EntriesAdded")
	require.NoError(t, cw.Close())
	require.NoError(t, cw.Close())

	require.Equal(t, 1, mock.calls())
	assert.Equal(t, 2.0, *mock.inputs[0].MetricData[0].Value)
}
