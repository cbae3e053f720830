package aws

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	ecstypes "github.com/aws/aws-sdk-go-v2/service/ecs/types"

	"github.com/picklr-io/inferstack/internal/ir"
	sdk "github.com/picklr-io/inferstack/pkg/provider"
)

type clusterState struct {
	Name        string `json:"name"`
	ClusterName string `json:"clusterName"`
	ClusterArn  string `json:"clusterArn"`
	VPCID       string `json:"vpcId"`
}

func (p *Provider) applyCluster(ctx context.Context, req *sdk.ApplyRequest) (*clusterState, error) {
	var spec ir.ClusterSpec
	if err := sdk.DecodeSpec(req.DesiredConfigJSON, &spec); err != nil {
		return nil, err
	}
	name := spec.ClusterName
	if name == "" {
		name = req.Name
	}

	// CreateCluster returns the existing cluster when the name is taken.
	out, err := p.ecsClient.CreateCluster(ctx, &ecs.CreateClusterInput{
		ClusterName: aws.String(name),
		Settings: []ecstypes.ClusterSetting{
			{Name: ecstypes.ClusterSettingNameContainerInsights, Value: aws.String("enabled")},
		},
		Tags: []ecstypes.Tag{{Key: aws.String("inferstack:managed"), Value: aws.String("true")}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create cluster: %w", err)
	}

	return &clusterState{
		Name:        req.Name,
		ClusterName: aws.ToString(out.Cluster.ClusterName),
		ClusterArn:  aws.ToString(out.Cluster.ClusterArn),
		VPCID:       spec.VPCID,
	}, nil
}

func (p *Provider) readCluster(ctx context.Context, req *sdk.ReadRequest) (*sdk.ReadResponse, error) {
	var state clusterState
	if err := sdk.Decode(req.CurrentStateJSON, &state); err != nil {
		return nil, err
	}
	out, err := p.ecsClient.DescribeClusters(ctx, &ecs.DescribeClustersInput{Clusters: []string{state.ClusterName}})
	if err != nil {
		return nil, fmt.Errorf("failed to describe cluster: %w", err)
	}
	if len(out.Clusters) == 0 || aws.ToString(out.Clusters[0].Status) == "INACTIVE" {
		return &sdk.ReadResponse{Exists: false}, nil
	}
	converged := aws.ToString(out.Clusters[0].Status) == "ACTIVE"
	return &sdk.ReadResponse{Exists: true, Converged: converged, NewStateJSON: req.CurrentStateJSON}, nil
}

func (p *Provider) deleteCluster(ctx context.Context, req *sdk.DeleteRequest) error {
	var state clusterState
	if err := sdk.Decode(req.CurrentStateJSON, &state); err != nil {
		return err
	}
	_, err := p.ecsClient.DeleteCluster(ctx, &ecs.DeleteClusterInput{Cluster: aws.String(state.ClusterName)})
	if err != nil {
		if isNotFound(err) {
			return notFound(ir.KindCluster, req.Name)
		}
		return fmt.Errorf("failed to delete cluster: %w", err)
	}
	return nil
}
