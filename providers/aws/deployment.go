package aws

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	ecstypes "github.com/aws/aws-sdk-go-v2/service/ecs/types"
	elbv2 "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2"
	elbv2types "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2/types"

	"github.com/picklr-io/inferstack/internal/deploy"
	"github.com/picklr-io/inferstack/internal/ir"
	"github.com/picklr-io/inferstack/internal/logging"
	sdk "github.com/picklr-io/inferstack/pkg/provider"
)

const (
	containerName     = "inference"
	listenerPort      = 80
	maxELBName        = 32
	logRetentionDays  = 30
	healthGracePeriod = 60
)

// serviceState is the ServiceHandle of a deployment plus the AWS resources
// created around it.
type serviceState struct {
	deploy.ServiceHandle

	ContainerPort        int           `json:"containerPort"`
	LaunchType           ir.LaunchType `json:"launchType"`
	VPCID                string        `json:"vpcId"`
	LoadBalancerArn      string        `json:"loadBalancerArn"`
	ListenerArn          string        `json:"listenerArn"`
	TargetGroupArn       string        `json:"targetGroupArn"`
	LBSecurityGroup      string        `json:"lbSecurityGroup"`
	ServiceSecurityGroup string        `json:"serviceSecurityGroup"`
	TaskDefinitionArn    string        `json:"taskDefinitionArn"`
	LogGroup             string        `json:"logGroup"`
	ExecutionRole        string        `json:"executionRole"`
	ExecutionRoleArn     string        `json:"executionRoleArn"`
}

// elbName derives a load balancer or target group name, which AWS limits to 32
// alphanumeric or hyphen characters.
func elbName(name, suffix string) string {
	clean := strings.Map(func(r rune) rune {
		if r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' {
			return r
		}
		return '-'
	}, name)
	full := clean + "-" + suffix
	if len(full) <= maxELBName {
		return full
	}
	h := fnv.New32a()
	h.Write([]byte(name))
	tail := fmt.Sprintf("-%06x-%s", h.Sum32()&0xffffff, suffix)
	return strings.TrimRight(clean[:maxELBName-len(tail)], "-") + tail
}

// environment converts a map to task definition key/value pairs in key order.
func environment(env map[string]string) []ecstypes.KeyValuePair {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]ecstypes.KeyValuePair, 0, len(keys))
	for _, k := range keys {
		out = append(out, ecstypes.KeyValuePair{Name: aws.String(k), Value: aws.String(env[k])})
	}
	return out
}

// recorder captures the full service state behind the Backend interface.
type recorder struct {
	p     *Provider
	prior *serviceState
	state *serviceState
}

func (r *recorder) RegisterService(ctx context.Context, req *deploy.ServiceRequest) (*deploy.ServiceHandle, error) {
	state, err := r.p.registerService(ctx, req, r.prior)
	if err != nil {
		return nil, err
	}
	r.state = state
	return &state.ServiceHandle, nil
}

// RegisterService implements deploy.Backend.
func (p *Provider) RegisterService(ctx context.Context, req *deploy.ServiceRequest) (*deploy.ServiceHandle, error) {
	state, err := p.registerService(ctx, req, nil)
	if err != nil {
		return nil, err
	}
	return &state.ServiceHandle, nil
}

func (p *Provider) applyDeployment(ctx context.Context, req *sdk.ApplyRequest) (*serviceState, error) {
	var spec ir.DeploymentSpec
	if err := sdk.DecodeSpec(req.DesiredConfigJSON, &spec); err != nil {
		return nil, err
	}
	rec := &recorder{p: p}
	var priorHandle *deploy.ServiceHandle
	if req.PriorStateJSON != nil {
		rec.prior = &serviceState{}
		if err := sdk.Decode(req.PriorStateJSON, rec.prior); err != nil {
			return nil, err
		}
		priorHandle = &rec.prior.ServiceHandle
	}

	if _, err := deploy.NewOrchestrator(p, rec).Deploy(ctx, req.Name, &spec, spec.Cluster, priorHandle); err != nil {
		return nil, err
	}
	return rec.state, nil
}

func (p *Provider) registerService(ctx context.Context, req *deploy.ServiceRequest, prior *serviceState) (*serviceState, error) {
	spec := req.Spec
	if len(spec.Subnets) == 0 {
		return nil, fmt.Errorf("deployment %s needs subnets", req.Name)
	}

	state := &serviceState{}
	if prior != nil {
		*state = *prior
	}
	state.Name = req.Name
	state.Cluster = req.Cluster
	state.Image = req.Image
	state.ContainerPort = spec.ContainerPort
	state.LaunchType = spec.LaunchType
	state.VPCID = spec.VPCID

	if state.LoadBalancerArn == "" {
		if err := p.createLoadBalancer(ctx, req.Name, spec, state); err != nil {
			return nil, err
		}
	}
	state.HealthRef = state.TargetGroupArn

	if state.LogGroup == "" {
		group := "/inferstack/" + req.Name
		_, err := p.logsClient.CreateLogGroup(ctx, &cloudwatchlogs.CreateLogGroupInput{LogGroupName: aws.String(group)})
		if err != nil && !isAlreadyExists(err) {
			return nil, fmt.Errorf("failed to create log group: %w", err)
		}
		_, err = p.logsClient.PutRetentionPolicy(ctx, &cloudwatchlogs.PutRetentionPolicyInput{
			LogGroupName:    aws.String(group),
			RetentionInDays: aws.Int32(logRetentionDays),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to set log retention: %w", err)
		}
		state.LogGroup = group
	}

	if state.ExecutionRoleArn == "" {
		role := req.Name + "-exec"
		arn, err := p.ensureRole(ctx, role, ecsTasksPrincipal, taskExecutionPolicyArn)
		if err != nil {
			return nil, err
		}
		state.ExecutionRole, state.ExecutionRoleArn = role, arn
	}

	taskDef, err := p.ecsClient.RegisterTaskDefinition(ctx, &ecs.RegisterTaskDefinitionInput{
		Family:                  aws.String(req.Name),
		NetworkMode:             ecstypes.NetworkModeAwsvpc,
		RequiresCompatibilities: []ecstypes.Compatibility{ecstypes.Compatibility(spec.LaunchType)},
		Cpu:                     aws.String(strconv.Itoa(spec.CPUUnits)),
		Memory:                  aws.String(strconv.Itoa(spec.MemoryMiB)),
		ExecutionRoleArn:        aws.String(state.ExecutionRoleArn),
		ContainerDefinitions: []ecstypes.ContainerDefinition{{
			Name:      aws.String(containerName),
			Image:     aws.String(req.Image),
			Essential: aws.Bool(true),
			PortMappings: []ecstypes.PortMapping{{
				ContainerPort: aws.Int32(int32(spec.ContainerPort)),
				Protocol:      ecstypes.TransportProtocolTcp,
			}},
			Environment: environment(spec.Environment),
			LogConfiguration: &ecstypes.LogConfiguration{
				LogDriver: ecstypes.LogDriverAwslogs,
				Options: map[string]string{
					"awslogs-group":         state.LogGroup,
					"awslogs-region":        p.region,
					"awslogs-stream-prefix": req.Name,
				},
			},
		}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to register task definition: %w", err)
	}
	previous := state.TaskDefinitionArn
	state.TaskDefinitionArn = aws.ToString(taskDef.TaskDefinition.TaskDefinitionArn)

	if state.ServiceID == "" {
		assign := ecstypes.AssignPublicIpDisabled
		if spec.AssignPublicIP && spec.LaunchType == ir.LaunchTypeFargate {
			assign = ecstypes.AssignPublicIpEnabled
		}
		out, err := p.ecsClient.CreateService(ctx, &ecs.CreateServiceInput{
			ServiceName:    aws.String(req.Name),
			Cluster:        aws.String(req.Cluster),
			TaskDefinition: aws.String(state.TaskDefinitionArn),
			DesiredCount:   aws.Int32(int32(spec.DesiredReplicas)),
			LaunchType:     ecstypes.LaunchType(spec.LaunchType),
			NetworkConfiguration: &ecstypes.NetworkConfiguration{
				AwsvpcConfiguration: &ecstypes.AwsVpcConfiguration{
					Subnets:        spec.Subnets,
					SecurityGroups: []string{state.ServiceSecurityGroup},
					AssignPublicIp: assign,
				},
			},
			LoadBalancers: []ecstypes.LoadBalancer{{
				TargetGroupArn: aws.String(state.TargetGroupArn),
				ContainerName:  aws.String(containerName),
				ContainerPort:  aws.Int32(int32(spec.ContainerPort)),
			}},
			HealthCheckGracePeriodSeconds: aws.Int32(healthGracePeriod),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create service: %w", err)
		}
		state.ServiceID = aws.ToString(out.Service.ServiceArn)
		state.DesiredReplicas = spec.DesiredReplicas
	} else {
		// The service autoscaler owns the desired count of an existing service.
		out, err := p.ecsClient.UpdateService(ctx, &ecs.UpdateServiceInput{
			Cluster:        aws.String(req.Cluster),
			Service:        aws.String(req.Name),
			TaskDefinition: aws.String(state.TaskDefinitionArn),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to update service: %w", err)
		}
		state.DesiredReplicas = int(out.Service.DesiredCount)
	}

	if previous != "" && previous != state.TaskDefinitionArn {
		_, err := p.ecsClient.DeregisterTaskDefinition(ctx, &ecs.DeregisterTaskDefinitionInput{TaskDefinition: aws.String(previous)})
		if err != nil {
			logging.Logger().Warn("failed to deregister task definition", "arn", previous, "error", err)
		}
	}
	return state, nil
}

func (p *Provider) createLoadBalancer(ctx context.Context, name string, spec *ir.DeploymentSpec, state *serviceState) error {
	if spec.VPCID == "" || len(spec.PublicSubnets) < 2 {
		return fmt.Errorf("deployment %s needs vpcId and at least two public subnets for its load balancer", name)
	}

	lbSG, err := p.ensureSecurityGroup(ctx, spec.VPCID, name+"-lb", "load balancer for "+name)
	if err != nil {
		return err
	}
	state.LBSecurityGroup = lbSG
	if err := p.allowIngress(ctx, lbSG, listenerPort, ec2types.IpPermission{IpRanges: []ec2types.IpRange{{CidrIp: aws.String("0.0.0.0/0")}}}); err != nil {
		return err
	}

	svcSG, err := p.ensureSecurityGroup(ctx, spec.VPCID, name+"-service", "replicas of "+name)
	if err != nil {
		return err
	}
	state.ServiceSecurityGroup = svcSG
	if err := p.allowIngress(ctx, svcSG, spec.ContainerPort, ec2types.IpPermission{UserIdGroupPairs: []ec2types.UserIdGroupPair{{GroupId: aws.String(lbSG)}}}); err != nil {
		return err
	}

	// CreateLoadBalancer and CreateTargetGroup return the existing resource for an identical request.
	lb, err := p.elbv2Client.CreateLoadBalancer(ctx, &elbv2.CreateLoadBalancerInput{
		Name:           aws.String(elbName(name, "lb")),
		Subnets:        spec.PublicSubnets,
		SecurityGroups: []string{lbSG},
		Scheme:         elbv2types.LoadBalancerSchemeEnumInternetFacing,
		Type:           elbv2types.LoadBalancerTypeEnumApplication,
	})
	if err != nil {
		return fmt.Errorf("failed to create load balancer: %w", err)
	}
	state.LoadBalancerArn = aws.ToString(lb.LoadBalancers[0].LoadBalancerArn)
	state.DNSName = aws.ToString(lb.LoadBalancers[0].DNSName)

	tg, err := p.elbv2Client.CreateTargetGroup(ctx, &elbv2.CreateTargetGroupInput{
		Name:            aws.String(elbName(name, "tg")),
		Port:            aws.Int32(int32(spec.ContainerPort)),
		Protocol:        elbv2types.ProtocolEnumHttp,
		VpcId:           aws.String(spec.VPCID),
		TargetType:      elbv2types.TargetTypeEnumIp,
		HealthCheckPath: aws.String(spec.HealthCheckPath),
		Matcher:         &elbv2types.Matcher{HttpCode: aws.String("200-399")},
	})
	if err != nil {
		return fmt.Errorf("failed to create target group: %w", err)
	}
	state.TargetGroupArn = aws.ToString(tg.TargetGroups[0].TargetGroupArn)

	listener, err := p.elbv2Client.CreateListener(ctx, &elbv2.CreateListenerInput{
		LoadBalancerArn: aws.String(state.LoadBalancerArn),
		Port:            aws.Int32(listenerPort),
		Protocol:        elbv2types.ProtocolEnumHttp,
		DefaultActions: []elbv2types.Action{{
			Type:           elbv2types.ActionTypeEnumForward,
			TargetGroupArn: aws.String(state.TargetGroupArn),
		}},
	})
	if err != nil {
		return fmt.Errorf("failed to create listener: %w", err)
	}
	state.ListenerArn = aws.ToString(listener.Listeners[0].ListenerArn)

	logging.Logger().Info("load balancer created", "name", name, "dns", state.DNSName)
	return nil
}

func (p *Provider) ensureSecurityGroup(ctx context.Context, vpcID, name, description string) (string, error) {
	out, err := p.ec2Client.CreateSecurityGroup(ctx, &ec2.CreateSecurityGroupInput{
		GroupName:         aws.String(name),
		Description:       aws.String(description),
		VpcId:             aws.String(vpcID),
		TagSpecifications: nameTags(ec2types.ResourceTypeSecurityGroup, name),
	})
	if err == nil {
		return aws.ToString(out.GroupId), nil
	}
	if !isAlreadyExists(err) {
		return "", fmt.Errorf("failed to create security group %s: %w", name, err)
	}
	existing, err := p.ec2Client.DescribeSecurityGroups(ctx, &ec2.DescribeSecurityGroupsInput{
		Filters: []ec2types.Filter{
			{Name: aws.String("group-name"), Values: []string{name}},
			{Name: aws.String("vpc-id"), Values: []string{vpcID}},
		},
	})
	if err != nil || len(existing.SecurityGroups) == 0 {
		return "", fmt.Errorf("failed to describe security group %s: %w", name, err)
	}
	return aws.ToString(existing.SecurityGroups[0].GroupId), nil
}

func (p *Provider) allowIngress(ctx context.Context, group string, port int, from ec2types.IpPermission) error {
	from.IpProtocol = aws.String("tcp")
	from.FromPort = aws.Int32(int32(port))
	from.ToPort = aws.Int32(int32(port))
	_, err := p.ec2Client.AuthorizeSecurityGroupIngress(ctx, &ec2.AuthorizeSecurityGroupIngressInput{
		GroupId:       aws.String(group),
		IpPermissions: []ec2types.IpPermission{from},
	})
	if err != nil && !isAlreadyExists(err) {
		return fmt.Errorf("failed to authorize ingress on %s: %w", group, err)
	}
	return nil
}

func (p *Provider) describeService(ctx context.Context, cluster, name string) (*ecstypes.Service, error) {
	out, err := p.ecsClient.DescribeServices(ctx, &ecs.DescribeServicesInput{
		Cluster:  aws.String(cluster),
		Services: []string{name},
	})
	if err != nil {
		if isNotFound(err) {
			return nil, notFound(ir.KindDeployment, name)
		}
		return nil, fmt.Errorf("failed to describe service %s: %w", name, err)
	}
	if len(out.Services) == 0 || aws.ToString(out.Services[0].Status) == "INACTIVE" {
		return nil, notFound(ir.KindDeployment, name)
	}
	return &out.Services[0], nil
}

// rolledOut reports whether svc runs a single deployment at its desired count.
func rolledOut(svc *ecstypes.Service) (bool, error) {
	if len(svc.Deployments) != 1 {
		return false, nil
	}
	d := svc.Deployments[0]
	switch d.RolloutState {
	case ecstypes.DeploymentRolloutStateFailed:
		return false, fmt.Errorf("rollout of %s failed: %s", aws.ToString(svc.ServiceName), aws.ToString(d.RolloutStateReason))
	case ecstypes.DeploymentRolloutStateInProgress:
		return false, nil
	}
	return svc.RunningCount == svc.DesiredCount, nil
}

func (p *Provider) readDeployment(ctx context.Context, req *sdk.ReadRequest) (*sdk.ReadResponse, error) {
	var state serviceState
	if err := sdk.Decode(req.CurrentStateJSON, &state); err != nil {
		return nil, err
	}
	svc, err := p.describeService(ctx, state.Cluster, state.Name)
	if err != nil {
		if isNotFoundErr(err) {
			return &sdk.ReadResponse{Exists: false}, nil
		}
		return nil, err
	}
	converged, err := rolledOut(svc)
	if err != nil {
		return nil, err
	}

	state.DesiredReplicas = int(svc.DesiredCount)
	data, err := sdk.Encode(state)
	if err != nil {
		return nil, err
	}
	return &sdk.ReadResponse{Exists: true, Converged: converged, NewStateJSON: data}, nil
}

func (p *Provider) scaleService(ctx context.Context, state *serviceState, count int) error {
	_, err := p.ecsClient.UpdateService(ctx, &ecs.UpdateServiceInput{
		Cluster:      aws.String(state.Cluster),
		Service:      aws.String(state.Name),
		DesiredCount: aws.Int32(int32(count)),
	})
	if err != nil {
		if isNotFound(err) {
			return notFound(ir.KindDeployment, state.Name)
		}
		return fmt.Errorf("failed to scale service %s: %w", state.Name, err)
	}
	return nil
}

// HealthyReplicas implements sdk.HealthReader; healthRef is the target group ARN.
func (p *Provider) HealthyReplicas(ctx context.Context, healthRef string) (int, error) {
	if err := p.ensureClient(ctx); err != nil {
		return 0, err
	}
	out, err := p.elbv2Client.DescribeTargetHealth(ctx, &elbv2.DescribeTargetHealthInput{
		TargetGroupArn: aws.String(healthRef),
	})
	if err != nil {
		if isNotFound(err) {
			return 0, fmt.Errorf("target group %s: %w", healthRef, ir.ErrNotFound)
		}
		return 0, fmt.Errorf("failed to describe target health: %w", err)
	}
	n := 0
	for _, t := range out.TargetHealthDescriptions {
		if t.TargetHealth != nil && t.TargetHealth.State == elbv2types.TargetHealthStateEnumHealthy {
			n++
		}
	}
	return n, nil
}

func (p *Provider) deleteDeployment(ctx context.Context, req *sdk.DeleteRequest) error {
	var state serviceState
	if err := sdk.Decode(req.CurrentStateJSON, &state); err != nil {
		return err
	}

	_, err := p.ecsClient.DeleteService(ctx, &ecs.DeleteServiceInput{
		Cluster: aws.String(state.Cluster),
		Service: aws.String(state.Name),
		Force:   aws.Bool(true),
	})
	absent := isNotFound(err) || hasCode(err, "ServiceNotActiveException")
	if err != nil && !absent {
		return fmt.Errorf("failed to delete service: %w", err)
	}
	err = poll(ctx, p.pollInterval, p.deleteTimeout, "service drained", func(ctx context.Context) (bool, error) {
		_, err := p.describeService(ctx, state.Cluster, state.Name)
		if isNotFoundErr(err) {
			return true, nil
		}
		if err == nil {
			return false, nil
		}
		return false, err
	})
	if err != nil {
		return err
	}

	if state.ListenerArn != "" {
		_, err := p.elbv2Client.DeleteListener(ctx, &elbv2.DeleteListenerInput{ListenerArn: aws.String(state.ListenerArn)})
		if err := ignoreNotFound(err); err != nil {
			return fmt.Errorf("failed to delete listener: %w", err)
		}
	}
	if state.LoadBalancerArn != "" {
		_, err := p.elbv2Client.DeleteLoadBalancer(ctx, &elbv2.DeleteLoadBalancerInput{LoadBalancerArn: aws.String(state.LoadBalancerArn)})
		if err := ignoreNotFound(err); err != nil {
			return fmt.Errorf("failed to delete load balancer: %w", err)
		}
		err = poll(ctx, p.pollInterval, p.deleteTimeout, "load balancer deleted", func(ctx context.Context) (bool, error) {
			_, err := p.elbv2Client.DescribeLoadBalancers(ctx, &elbv2.DescribeLoadBalancersInput{LoadBalancerArns: []string{state.LoadBalancerArn}})
			if isNotFound(err) {
				return true, nil
			}
			return false, err
		})
		if err != nil {
			return err
		}
	}
	if state.TargetGroupArn != "" {
		err := poll(ctx, p.pollInterval, p.deleteTimeout, "target group deleted", func(ctx context.Context) (bool, error) {
			_, err := p.elbv2Client.DeleteTargetGroup(ctx, &elbv2.DeleteTargetGroupInput{TargetGroupArn: aws.String(state.TargetGroupArn)})
			if hasCode(err, "ResourceInUse") {
				return false, nil
			}
			return true, ignoreNotFound(err)
		})
		if err != nil {
			return fmt.Errorf("failed to delete target group: %w", err)
		}
	}
	if state.TaskDefinitionArn != "" {
		_, err := p.ecsClient.DeregisterTaskDefinition(ctx, &ecs.DeregisterTaskDefinitionInput{TaskDefinition: aws.String(state.TaskDefinitionArn)})
		if err := ignoreNotFound(err); err != nil && !hasCode(err, "ClientException") {
			return fmt.Errorf("failed to deregister task definition: %w", err)
		}
	}

	// Network interfaces of drained tasks can hold the groups for a while.
	for _, group := range []string{state.ServiceSecurityGroup, state.LBSecurityGroup} {
		if group == "" {
			continue
		}
		err := poll(ctx, p.pollInterval, p.deleteTimeout, "security group deleted", func(ctx context.Context) (bool, error) {
			_, err := p.ec2Client.DeleteSecurityGroup(ctx, &ec2.DeleteSecurityGroupInput{GroupId: aws.String(group)})
			if hasCode(err, "DependencyViolation") {
				return false, nil
			}
			return true, ignoreNotFound(err)
		})
		if err != nil {
			return fmt.Errorf("failed to delete security group %s: %w", group, err)
		}
	}

	if state.LogGroup != "" {
		_, err := p.logsClient.DeleteLogGroup(ctx, &cloudwatchlogs.DeleteLogGroupInput{LogGroupName: aws.String(state.LogGroup)})
		if err := ignoreNotFound(err); err != nil {
			return fmt.Errorf("failed to delete log group: %w", err)
		}
	}
	if state.ExecutionRole != "" {
		if err := p.deleteRole(ctx, state.ExecutionRole, taskExecutionPolicyArn); err != nil {
			return err
		}
	}

	if absent {
		return notFound(ir.KindDeployment, req.Name)
	}
	return nil
}

var (
	_ deploy.Backend       = (*Provider)(nil)
	_ deploy.ImageResolver = (*Provider)(nil)
)
