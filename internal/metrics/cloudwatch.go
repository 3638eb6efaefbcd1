package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/sirupsen/logrus"

	"github.com/imrishuroy/go-production-queue/internal/aws"
)

const (
	// maxDatumsPerRequest is the PutMetricData limit on MetricData entries.
	maxDatumsPerRequest = 1000

	defaultFlushInterval = 30 * time.Second
	closeFlushTimeout    = 5 * time.Second
)

type bucket struct {
	name   string
	minute time.Time
}

// CloudWatch counts events as CloudWatch metrics in one namespace, with the
// service name as the only dimension. Counts are summed per metric and minute
// in memory and sent by Flush. Failures are logged and dropped.
type CloudWatch struct {
	client    aws.CloudWatchAPI
	namespace string
	service   string
	log       logrus.FieldLogger
	nowFunc   func() time.Time

	mu     sync.Mutex
	counts map[bucket]float64

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func NewCloudWatch(client aws.CloudWatchAPI, namespace, service string, log logrus.FieldLogger) *CloudWatch {
	return &CloudWatch{
		client:    client,
		namespace: namespace,
		service:   service,
		log:       log,
		nowFunc:   time.Now,
		counts:    make(map[bucket]float64),
		stop:      make(chan struct{}),
	}
}

// Incr adds 1 to name for the current minute. It never calls CloudWatch.
func (c *CloudWatch) Incr(_ context.Context, name string) {
	b := bucket{name: name, minute: c.nowFunc().UTC().Truncate(time.Minute)}
	c.mu.Lock()
	c.counts[b]++
	c.mu.Unlock()
}

// Flush sends every buffered count, up to maxDatumsPerRequest per call.
func (c *CloudWatch) Flush(ctx context.Context) {
	c.mu.Lock()
	counts := c.counts
	c.counts = make(map[bucket]float64)
	c.mu.Unlock()

	if len(counts) == 0 {
		return
	}

	data := make([]cwtypes.MetricDatum, 0, len(counts))
	for b, n := range counts {
		data = append(data, cwtypes.MetricDatum{
			MetricName: awsString(b.name),
			Value:      awsFloat(n),
			Unit:       cwtypes.StandardUnitCount,
			Timestamp:  awsTime(b.minute),
			Dimensions: []cwtypes.Dimension{
				{Name: awsString("Service"), Value: &c.service},
			},
		})
	}

	for start := 0; start < len(data); start += maxDatumsPerRequest {
		end := min(start+maxDatumsPerRequest, len(data))
		_, err := c.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
			Namespace:  &c.namespace,
			MetricData: data[start:end],
		})
		if err != nil {
			c.log.WithError(err).WithField("datums", end-start).Warn("put metric data failed")
		}
	}
}

// Start flushes every interval in the background until Close.
func (c *CloudWatch) Start(interval time.Duration) {
	if interval <= 0 {
		interval = defaultFlushInterval
	}
	c.done = make(chan struct{})
	go func() {
		defer close(c.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.Flush(context.Background())
			case <-c.stop:
				return
			}
		}
	}()
}

// Close stops the flush loop and sends what is still buffered.
func (c *CloudWatch) Close() error {
	c.stopOnce.Do(func() { close(c.stop) })
	if c.done != nil {
		<-c.done
	}
	ctx, cancel := context.WithTimeout(context.Background(), closeFlushTimeout)
	defer cancel()
	c.Flush(ctx)
	return nil
}

func awsString(s string) *string     { return &s }
func awsFloat(f float64) *float64    { return &f }
func awsTime(t time.Time) *time.Time { return &t }
