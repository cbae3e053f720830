package aws

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/autoscaling"
	astypes "github.com/aws/aws-sdk-go-v2/service/autoscaling/types"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/picklr-io/inferstack/internal/ir"
	"github.com/picklr-io/inferstack/internal/logging"
	sdk "github.com/picklr-io/inferstack/pkg/provider"
)

const ecsAMIParameter = "/aws/service/ecs/optimized-ami/amazon-linux-2023/recommended/image_id"

type poolState struct {
	Name             string   `json:"name"`
	PoolID           string   `json:"poolId"`
	Cluster          string   `json:"cluster"`
	InstanceClass    string   `json:"instanceClass"`
	MinCount         int      `json:"minCount"`
	MaxCount         int      `json:"maxCount"`
	DesiredCount     int      `json:"desiredCount"`
	Subnets          []string `json:"subnets"`
	LaunchTemplateID string   `json:"launchTemplateId"`
	InstanceRole     string   `json:"instanceRole"`
}

// userData registers the instance with cluster on boot.
func userData(cluster string) string {
	script := fmt.Sprintf("#!/bin/bash\necho ECS_CLUSTER=%s >> /etc/ecs/ecs.config\n", cluster)
	return base64.StdEncoding.EncodeToString([]byte(script))
}

func (p *Provider) applyPool(ctx context.Context, req *sdk.ApplyRequest) (*poolState, error) {
	var spec ir.CapacityPoolSpec
	if err := sdk.DecodeSpec(req.DesiredConfigJSON, &spec); err != nil {
		return nil, err
	}
	if len(spec.Subnets) == 0 {
		return nil, fmt.Errorf("capacity pool %s needs at least one subnet", req.Name)
	}

	if req.PriorStateJSON != nil {
		var prior poolState
		if err := sdk.Decode(req.PriorStateJSON, &prior); err != nil {
			return nil, err
		}
		if prior.InstanceClass != spec.InstanceClass || prior.Cluster != spec.Cluster {
			return nil, fmt.Errorf("capacity pool %s cannot change instance class or cluster in place; destroy it first", req.Name)
		}
		// Desired capacity belongs to the capacity controller; only the bounds move.
		_, err := p.autoscalingClient.UpdateAutoScalingGroup(ctx, &autoscaling.UpdateAutoScalingGroupInput{
			AutoScalingGroupName: aws.String(prior.PoolID),
			MinSize:              aws.Int32(int32(spec.MinCount)),
			MaxSize:              aws.Int32(int32(spec.MaxCount)),
			VPCZoneIdentifier:    aws.String(strings.Join(spec.Subnets, ",")),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to update auto scaling group: %w", err)
		}
		prior.MinCount, prior.MaxCount, prior.Subnets = spec.MinCount, spec.MaxCount, spec.Subnets
		if group, err := p.describeGroup(ctx, prior.PoolID); err == nil {
			prior.DesiredCount = int(deref(group.DesiredCapacity))
		}
		return &prior, nil
	}

	param, err := p.ssmClient.GetParameter(ctx, &ssm.GetParameterInput{Name: aws.String(ecsAMIParameter)})
	if err != nil {
		return nil, fmt.Errorf("failed to look up ecs optimized ami: %w", err)
	}

	role := req.Name + "-instance"
	if _, err := p.ensureRole(ctx, role, ec2Principal, ecsInstancePolicyArn); err != nil {
		return nil, err
	}
	profileArn, err := p.ensureInstanceProfile(ctx, role)
	if err != nil {
		return nil, err
	}

	templateID, err := p.ensureLaunchTemplate(ctx, req.Name+"-lt", &ec2types.RequestLaunchTemplateData{
		ImageId:            param.Parameter.Value,
		InstanceType:       ec2types.InstanceType(spec.InstanceClass),
		IamInstanceProfile: &ec2types.LaunchTemplateIamInstanceProfileSpecificationRequest{Arn: aws.String(profileArn)},
		UserData:           aws.String(userData(spec.Cluster)),
	})
	if err != nil {
		return nil, err
	}

	_, err = p.autoscalingClient.CreateAutoScalingGroup(ctx, &autoscaling.CreateAutoScalingGroupInput{
		AutoScalingGroupName: aws.String(req.Name),
		MinSize:              aws.Int32(int32(spec.MinCount)),
		MaxSize:              aws.Int32(int32(spec.MaxCount)),
		DesiredCapacity:      aws.Int32(int32(spec.DesiredCount)),
		VPCZoneIdentifier:    aws.String(strings.Join(spec.Subnets, ",")),
		LaunchTemplate: &astypes.LaunchTemplateSpecification{
			LaunchTemplateId: aws.String(templateID),
			Version:          aws.String("$Latest"),
		},
		Tags: []astypes.Tag{{
			Key:               aws.String("inferstack:cluster"),
			Value:             aws.String(spec.Cluster),
			PropagateAtLaunch: aws.Bool(true),
		}},
	})
	if err != nil && !isAlreadyExists(err) {
		return nil, fmt.Errorf("failed to create auto scaling group: %w", err)
	}

	logging.Logger().Info("capacity pool created", "name", req.Name, "class", spec.InstanceClass, "desired", spec.DesiredCount)
	return &poolState{
		Name:             req.Name,
		PoolID:           req.Name,
		Cluster:          spec.Cluster,
		InstanceClass:    spec.InstanceClass,
		MinCount:         spec.MinCount,
		MaxCount:         spec.MaxCount,
		DesiredCount:     spec.DesiredCount,
		Subnets:          spec.Subnets,
		LaunchTemplateID: templateID,
		InstanceRole:     role,
	}, nil
}

func (p *Provider) ensureLaunchTemplate(ctx context.Context, name string, data *ec2types.RequestLaunchTemplateData) (string, error) {
	out, err := p.ec2Client.CreateLaunchTemplate(ctx, &ec2.CreateLaunchTemplateInput{
		LaunchTemplateName: aws.String(name),
		LaunchTemplateData: data,
	})
	if err == nil {
		return aws.ToString(out.LaunchTemplate.LaunchTemplateId), nil
	}
	if !isAlreadyExists(err) {
		return "", fmt.Errorf("failed to create launch template: %w", err)
	}
	existing, err := p.ec2Client.DescribeLaunchTemplates(ctx, &ec2.DescribeLaunchTemplatesInput{
		LaunchTemplateNames: []string{name},
	})
	if err != nil || len(existing.LaunchTemplates) == 0 {
		return "", fmt.Errorf("failed to describe launch template %s: %w", name, err)
	}
	return aws.ToString(existing.LaunchTemplates[0].LaunchTemplateId), nil
}

func (p *Provider) describeGroup(ctx context.Context, name string) (*astypes.AutoScalingGroup, error) {
	out, err := p.autoscalingClient.DescribeAutoScalingGroups(ctx, &autoscaling.DescribeAutoScalingGroupsInput{
		AutoScalingGroupNames: []string{name},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to describe auto scaling group %s: %w", name, err)
	}
	if len(out.AutoScalingGroups) == 0 {
		return nil, notFound(ir.KindCapacityPool, name)
	}
	return &out.AutoScalingGroups[0], nil
}

// inService counts the group's healthy running instances.
func inService(group *astypes.AutoScalingGroup) int {
	n := 0
	for _, inst := range group.Instances {
		if inst.LifecycleState == astypes.LifecycleStateInService && aws.ToString(inst.HealthStatus) == "Healthy" {
			n++
		}
	}
	return n
}

func (p *Provider) readPool(ctx context.Context, req *sdk.ReadRequest) (*sdk.ReadResponse, error) {
	var state poolState
	if err := sdk.Decode(req.CurrentStateJSON, &state); err != nil {
		return nil, err
	}
	group, err := p.describeGroup(ctx, state.PoolID)
	if err != nil {
		if isNotFoundErr(err) {
			return &sdk.ReadResponse{Exists: false}, nil
		}
		return nil, err
	}
	if group.Status != nil && strings.HasPrefix(aws.ToString(group.Status), "Delete") {
		return &sdk.ReadResponse{Exists: false}, nil
	}

	state.DesiredCount = int(deref(group.DesiredCapacity))
	data, err := sdk.Encode(state)
	if err != nil {
		return nil, err
	}
	return &sdk.ReadResponse{
		Exists:       true,
		Converged:    inService(group) >= state.DesiredCount,
		NewStateJSON: data,
	}, nil
}

func (p *Provider) scalePool(ctx context.Context, state *poolState, count int) error {
	_, err := p.autoscalingClient.SetDesiredCapacity(ctx, &autoscaling.SetDesiredCapacityInput{
		AutoScalingGroupName: aws.String(state.PoolID),
		DesiredCapacity:      aws.Int32(int32(count)),
		HonorCooldown:        aws.Bool(false),
	})
	if err != nil {
		if isNotFound(err) {
			return notFound(ir.KindCapacityPool, state.Name)
		}
		return fmt.Errorf("failed to set desired capacity of %s: %w", state.PoolID, err)
	}
	return nil
}

func (p *Provider) deletePool(ctx context.Context, req *sdk.DeleteRequest) error {
	var state poolState
	if err := sdk.Decode(req.CurrentStateJSON, &state); err != nil {
		return err
	}

	_, err := p.autoscalingClient.DeleteAutoScalingGroup(ctx, &autoscaling.DeleteAutoScalingGroupInput{
		AutoScalingGroupName: aws.String(state.PoolID),
		ForceDelete:          aws.Bool(true),
	})
	absent := isNotFound(err)
	if err != nil && !absent {
		return fmt.Errorf("failed to delete auto scaling group: %w", err)
	}
	if !absent {
		// Instances must be gone before the cluster can be deleted.
		err = poll(ctx, p.pollInterval, p.deleteTimeout, "auto scaling group deleted", func(ctx context.Context) (bool, error) {
			_, err := p.describeGroup(ctx, state.PoolID)
			if isNotFoundErr(err) {
				return true, nil
			}
			return false, err
		})
		if err != nil {
			return err
		}
	}

	if state.LaunchTemplateID != "" {
		_, err := p.ec2Client.DeleteLaunchTemplate(ctx, &ec2.DeleteLaunchTemplateInput{LaunchTemplateId: aws.String(state.LaunchTemplateID)})
		if err := ignoreNotFound(err); err != nil {
			return fmt.Errorf("failed to delete launch template: %w", err)
		}
	}
	if state.InstanceRole != "" {
		if err := p.deleteInstanceProfile(ctx, state.InstanceRole); err != nil {
			return err
		}
		if err := p.deleteRole(ctx, state.InstanceRole, ecsInstancePolicyArn); err != nil {
			return err
		}
	}

	if absent {
		return notFound(ir.KindCapacityPool, req.Name)
	}
	return nil
}
