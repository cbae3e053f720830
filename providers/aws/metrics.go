package aws

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"github.com/picklr-io/inferstack/internal/ir"
	sdk "github.com/picklr-io/inferstack/pkg/provider"
)

var errNoDatapoints = errors.New("no datapoints")

type metricQuery struct {
	Namespace  string
	Dimensions []cwtypes.Dimension
}

func dimension(name, value string) cwtypes.Dimension {
	return cwtypes.Dimension{Name: aws.String(name), Value: aws.String(value)}
}

// queryFor selects the CloudWatch namespace and dimensions of metric for a
// scaling target. Pools report instance metrics per auto scaling group, except
// ECS reservation metrics which are per cluster.
func queryFor(kind ir.Kind, state []byte, metric string) (*metricQuery, error) {
	switch kind {
	case ir.KindCapacityPool:
		var s poolState
		if err := sdk.Decode(state, &s); err != nil {
			return nil, err
		}
		if strings.HasSuffix(metric, "Reservation") || metric == "MemoryUtilization" {
			return &metricQuery{Namespace: "AWS/ECS", Dimensions: []cwtypes.Dimension{dimension("ClusterName", s.Cluster)}}, nil
		}
		return &metricQuery{Namespace: "AWS/EC2", Dimensions: []cwtypes.Dimension{dimension("AutoScalingGroupName", s.PoolID)}}, nil
	case ir.KindDeployment:
		var s serviceState
		if err := sdk.Decode(state, &s); err != nil {
			return nil, err
		}
		return &metricQuery{Namespace: "AWS/ECS", Dimensions: []cwtypes.Dimension{
			dimension("ClusterName", s.Cluster),
			dimension("ServiceName", s.Name),
		}}, nil
	}
	return nil, fmt.Errorf("%s has no utilization metrics", kind)
}

// period rounds window to whole minutes, the CloudWatch resolution.
func period(window time.Duration) int32 {
	minutes := int32(window / time.Minute)
	if minutes < 1 {
		minutes = 1
	}
	return minutes * 60
}

// Utilization implements sdk.MetricReader.
func (p *Provider) Utilization(ctx context.Context, kind ir.Kind, state []byte, metric string, window time.Duration) (float64, error) {
	if err := p.ensureClient(ctx); err != nil {
		return 0, err
	}
	q, err := queryFor(kind, state, metric)
	if err != nil {
		return 0, err
	}

	end := time.Now()
	start := end.Add(-window)
	out, err := p.cloudwatchClient.GetMetricStatistics(ctx, &cloudwatch.GetMetricStatisticsInput{
		Namespace:  aws.String(q.Namespace),
		MetricName: aws.String(metric),
		Dimensions: q.Dimensions,
		StartTime:  aws.Time(start),
		EndTime:    aws.Time(end),
		Period:     aws.Int32(period(window)),
		Statistics: []cwtypes.Statistic{cwtypes.StatisticAverage},
	})
	if err != nil {
		return 0, fmt.Errorf("failed to get %s/%s: %w", q.Namespace, metric, err)
	}
	if len(out.Datapoints) == 0 {
		return 0, fmt.Errorf("%s/%s: %w", q.Namespace, metric, errNoDatapoints)
	}

	var sum float64
	for _, dp := range out.Datapoints {
		sum += aws.ToFloat64(dp.Average)
	}
	return sum / float64(len(out.Datapoints)), nil
}
