package aws

import (
	"context"
	"fmt"
	"math/bits"
	"net/netip"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/picklr-io/inferstack/internal/ir"
	"github.com/picklr-io/inferstack/internal/logging"
	sdk "github.com/picklr-io/inferstack/pkg/provider"
)

const maxSubnetBits = 28

type networkState struct {
	Name              string   `json:"name"`
	VPCID             string   `json:"vpcId"`
	CIDR              string   `json:"cidr"`
	AZs               []string `json:"azs"`
	PublicSubnets     []string `json:"publicSubnets"`
	PrivateSubnets    []string `json:"privateSubnets"`
	InternetGatewayID string   `json:"internetGatewayId"`
	NATGatewayIDs     []string `json:"natGatewayIds,omitempty"`
	AllocationIDs     []string `json:"allocationIds,omitempty"`
	RouteTableIDs     []string `json:"routeTableIds"`
	AssociationIDs    []string `json:"routeTableAssociationIds"`
}

// subnetCIDRs splits block into count equal subnets, public ones first.
func subnetCIDRs(block string, count int) ([]string, error) {
	prefix, err := netip.ParsePrefix(block)
	if err != nil {
		return nil, fmt.Errorf("invalid cidr %q: %w", block, err)
	}
	prefix = prefix.Masked()
	if count < 1 {
		return nil, fmt.Errorf("subnet count must be positive, got %d", count)
	}
	size := prefix.Bits() + bits.Len(uint(count-1))
	if size > maxSubnetBits {
		return nil, fmt.Errorf("cidr %s is too small for %d subnets", block, count)
	}

	base := prefix.Addr().As4()
	start := uint32(base[0])<<24 | uint32(base[1])<<16 | uint32(base[2])<<8 | uint32(base[3])
	step := uint32(1) << (32 - size)

	out := make([]string, 0, count)
	for i := 0; i < count; i++ {
		v := start + uint32(i)*step
		addr := netip.AddrFrom4([4]byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)})
		out = append(out, netip.PrefixFrom(addr, size).String())
	}
	return out, nil
}

func nameTags(resource ec2types.ResourceType, name string) []ec2types.TagSpecification {
	return []ec2types.TagSpecification{{
		ResourceType: resource,
		Tags: []ec2types.Tag{
			{Key: aws.String("Name"), Value: aws.String(name)},
			{Key: aws.String("inferstack:managed"), Value: aws.String("true")},
		},
	}}
}

func (p *Provider) applyNetwork(ctx context.Context, req *sdk.ApplyRequest) (*networkState, error) {
	var spec ir.NetworkSpec
	if err := sdk.DecodeSpec(req.DesiredConfigJSON, &spec); err != nil {
		return nil, err
	}
	if req.PriorStateJSON != nil {
		var prior networkState
		if err := sdk.Decode(req.PriorStateJSON, &prior); err != nil {
			return nil, err
		}
		if prior.CIDR != spec.CIDR || len(prior.AZs) != spec.MaxAZs || len(prior.NATGatewayIDs) != spec.NATGateways {
			return nil, fmt.Errorf("network %s cannot be changed in place; destroy it first", req.Name)
		}
		return &prior, nil
	}

	azOut, err := p.ec2Client.DescribeAvailabilityZones(ctx, &ec2.DescribeAvailabilityZonesInput{
		Filters: []ec2types.Filter{{Name: aws.String("state"), Values: []string{"available"}}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to describe availability zones: %w", err)
	}
	if len(azOut.AvailabilityZones) < spec.MaxAZs {
		return nil, fmt.Errorf("region %s has %d availability zones, need %d", p.region, len(azOut.AvailabilityZones), spec.MaxAZs)
	}
	cidrs, err := subnetCIDRs(spec.CIDR, 2*spec.MaxAZs)
	if err != nil {
		return nil, err
	}

	state := &networkState{Name: req.Name, CIDR: spec.CIDR}

	vpcOut, err := p.ec2Client.CreateVpc(ctx, &ec2.CreateVpcInput{
		CidrBlock:         aws.String(spec.CIDR),
		TagSpecifications: nameTags(ec2types.ResourceTypeVpc, req.Name),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create vpc: %w", err)
	}
	state.VPCID = aws.ToString(vpcOut.Vpc.VpcId)

	_, err = p.ec2Client.ModifyVpcAttribute(ctx, &ec2.ModifyVpcAttributeInput{
		VpcId:              vpcOut.Vpc.VpcId,
		EnableDnsHostnames: &ec2types.AttributeBooleanValue{Value: aws.Bool(true)},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to enable dns hostnames: %w", err)
	}

	igwOut, err := p.ec2Client.CreateInternetGateway(ctx, &ec2.CreateInternetGatewayInput{
		TagSpecifications: nameTags(ec2types.ResourceTypeInternetGateway, req.Name),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create internet gateway: %w", err)
	}
	state.InternetGatewayID = aws.ToString(igwOut.InternetGateway.InternetGatewayId)
	_, err = p.ec2Client.AttachInternetGateway(ctx, &ec2.AttachInternetGatewayInput{
		InternetGatewayId: aws.String(state.InternetGatewayID),
		VpcId:             aws.String(state.VPCID),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to attach internet gateway: %w", err)
	}

	for i := 0; i < spec.MaxAZs; i++ {
		az := aws.ToString(azOut.AvailabilityZones[i].ZoneName)
		state.AZs = append(state.AZs, az)

		public, err := p.createSubnet(ctx, state.VPCID, cidrs[i], az, fmt.Sprintf("%s-public-%d", req.Name, i), true)
		if err != nil {
			return nil, err
		}
		state.PublicSubnets = append(state.PublicSubnets, public)

		private, err := p.createSubnet(ctx, state.VPCID, cidrs[spec.MaxAZs+i], az, fmt.Sprintf("%s-private-%d", req.Name, i), false)
		if err != nil {
			return nil, err
		}
		state.PrivateSubnets = append(state.PrivateSubnets, private)
	}

	publicRT, err := p.createRouteTable(ctx, state, req.Name+"-public")
	if err != nil {
		return nil, err
	}
	if err := p.createDefaultRoute(ctx, publicRT, &ec2.CreateRouteInput{GatewayId: aws.String(state.InternetGatewayID)}); err != nil {
		return nil, err
	}
	for _, subnet := range state.PublicSubnets {
		if err := p.associate(ctx, state, publicRT, subnet); err != nil {
			return nil, err
		}
	}

	for i := 0; i < spec.NATGateways; i++ {
		eip, err := p.ec2Client.AllocateAddress(ctx, &ec2.AllocateAddressInput{
			Domain:            ec2types.DomainTypeVpc,
			TagSpecifications: nameTags(ec2types.ResourceTypeElasticIp, fmt.Sprintf("%s-nat-%d", req.Name, i)),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to allocate elastic ip: %w", err)
		}
		state.AllocationIDs = append(state.AllocationIDs, aws.ToString(eip.AllocationId))

		nat, err := p.ec2Client.CreateNatGateway(ctx, &ec2.CreateNatGatewayInput{
			SubnetId:          aws.String(state.PublicSubnets[i]),
			AllocationId:      eip.AllocationId,
			TagSpecifications: nameTags(ec2types.ResourceTypeNatgateway, fmt.Sprintf("%s-nat-%d", req.Name, i)),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create nat gateway: %w", err)
		}
		state.NATGatewayIDs = append(state.NATGatewayIDs, aws.ToString(nat.NatGateway.NatGatewayId))
	}
	if len(state.NATGatewayIDs) > 0 {
		err := poll(ctx, p.pollInterval, p.deleteTimeout, "nat gateways available", func(ctx context.Context) (bool, error) {
			return p.natGatewaysIn(ctx, state.NATGatewayIDs, ec2types.NatGatewayStateAvailable)
		})
		if err != nil {
			return nil, err
		}
	}

	for i, subnet := range state.PrivateSubnets {
		rt, err := p.createRouteTable(ctx, state, fmt.Sprintf("%s-private-%d", req.Name, i))
		if err != nil {
			return nil, err
		}
		if n := len(state.NATGatewayIDs); n > 0 {
			nat := state.NATGatewayIDs[i%n]
			if err := p.createDefaultRoute(ctx, rt, &ec2.CreateRouteInput{NatGatewayId: aws.String(nat)}); err != nil {
				return nil, err
			}
		}
		if err := p.associate(ctx, state, rt, subnet); err != nil {
			return nil, err
		}
	}

	logging.Logger().Info("network created", "name", req.Name, "vpc", state.VPCID, "azs", state.AZs)
	return state, nil
}

func (p *Provider) createSubnet(ctx context.Context, vpcID, cidr, az, name string, public bool) (string, error) {
	out, err := p.ec2Client.CreateSubnet(ctx, &ec2.CreateSubnetInput{
		VpcId:             aws.String(vpcID),
		CidrBlock:         aws.String(cidr),
		AvailabilityZone:  aws.String(az),
		TagSpecifications: nameTags(ec2types.ResourceTypeSubnet, name),
	})
	if err != nil {
		return "", fmt.Errorf("failed to create subnet %s: %w", cidr, err)
	}
	if public {
		_, err = p.ec2Client.ModifySubnetAttribute(ctx, &ec2.ModifySubnetAttributeInput{
			SubnetId:            out.Subnet.SubnetId,
			MapPublicIpOnLaunch: &ec2types.AttributeBooleanValue{Value: aws.Bool(true)},
		})
		if err != nil {
			return "", fmt.Errorf("failed to enable public ips on subnet %s: %w", cidr, err)
		}
	}
	return aws.ToString(out.Subnet.SubnetId), nil
}

func (p *Provider) createRouteTable(ctx context.Context, state *networkState, name string) (string, error) {
	out, err := p.ec2Client.CreateRouteTable(ctx, &ec2.CreateRouteTableInput{
		VpcId:             aws.String(state.VPCID),
		TagSpecifications: nameTags(ec2types.ResourceTypeRouteTable, name),
	})
	if err != nil {
		return "", fmt.Errorf("failed to create route table: %w", err)
	}
	id := aws.ToString(out.RouteTable.RouteTableId)
	state.RouteTableIDs = append(state.RouteTableIDs, id)
	return id, nil
}

func (p *Provider) createDefaultRoute(ctx context.Context, routeTable string, in *ec2.CreateRouteInput) error {
	in.RouteTableId = aws.String(routeTable)
	in.DestinationCidrBlock = aws.String("0.0.0.0/0")
	if _, err := p.ec2Client.CreateRoute(ctx, in); err != nil {
		return fmt.Errorf("failed to create default route: %w", err)
	}
	return nil
}

func (p *Provider) associate(ctx context.Context, state *networkState, routeTable, subnet string) error {
	out, err := p.ec2Client.AssociateRouteTable(ctx, &ec2.AssociateRouteTableInput{
		RouteTableId: aws.String(routeTable),
		SubnetId:     aws.String(subnet),
	})
	if err != nil {
		return fmt.Errorf("failed to associate route table: %w", err)
	}
	state.AssociationIDs = append(state.AssociationIDs, aws.ToString(out.AssociationId))
	return nil
}

func (p *Provider) natGatewaysIn(ctx context.Context, ids []string, want ec2types.NatGatewayState) (bool, error) {
	out, err := p.ec2Client.DescribeNatGateways(ctx, &ec2.DescribeNatGatewaysInput{NatGatewayIds: ids})
	if err != nil {
		if isNotFound(err) && want == ec2types.NatGatewayStateDeleted {
			return true, nil
		}
		return false, fmt.Errorf("failed to describe nat gateways: %w", err)
	}
	for _, nat := range out.NatGateways {
		if nat.State == ec2types.NatGatewayStateFailed && want != ec2types.NatGatewayStateDeleted {
			return false, fmt.Errorf("nat gateway %s failed: %s", aws.ToString(nat.NatGatewayId), aws.ToString(nat.FailureMessage))
		}
		if nat.State != want {
			return false, nil
		}
	}
	return true, nil
}

func (p *Provider) readNetwork(ctx context.Context, req *sdk.ReadRequest) (*sdk.ReadResponse, error) {
	var state networkState
	if err := sdk.Decode(req.CurrentStateJSON, &state); err != nil {
		return nil, err
	}
	out, err := p.ec2Client.DescribeVpcs(ctx, &ec2.DescribeVpcsInput{VpcIds: []string{state.VPCID}})
	if err != nil {
		if isNotFound(err) {
			return &sdk.ReadResponse{Exists: false}, nil
		}
		return nil, fmt.Errorf("failed to describe vpc: %w", err)
	}
	if len(out.Vpcs) == 0 {
		return &sdk.ReadResponse{Exists: false}, nil
	}

	converged := out.Vpcs[0].State == ec2types.VpcStateAvailable
	if converged && len(state.NATGatewayIDs) > 0 {
		converged, err = p.natGatewaysIn(ctx, state.NATGatewayIDs, ec2types.NatGatewayStateAvailable)
		if err != nil {
			return nil, err
		}
	}
	return &sdk.ReadResponse{Exists: true, Converged: converged, NewStateJSON: req.CurrentStateJSON}, nil
}

func (p *Provider) deleteNetwork(ctx context.Context, req *sdk.DeleteRequest) error {
	var state networkState
	if err := sdk.Decode(req.CurrentStateJSON, &state); err != nil {
		return err
	}

	for _, id := range state.NATGatewayIDs {
		_, err := p.ec2Client.DeleteNatGateway(ctx, &ec2.DeleteNatGatewayInput{NatGatewayId: aws.String(id)})
		if err := ignoreNotFound(err); err != nil {
			return fmt.Errorf("failed to delete nat gateway %s: %w", id, err)
		}
	}
	if len(state.NATGatewayIDs) > 0 {
		err := poll(ctx, p.pollInterval, p.deleteTimeout, "nat gateways deleted", func(ctx context.Context) (bool, error) {
			return p.natGatewaysIn(ctx, state.NATGatewayIDs, ec2types.NatGatewayStateDeleted)
		})
		if err != nil {
			return err
		}
	}
	for _, id := range state.AllocationIDs {
		_, err := p.ec2Client.ReleaseAddress(ctx, &ec2.ReleaseAddressInput{AllocationId: aws.String(id)})
		if err := ignoreNotFound(err); err != nil {
			return fmt.Errorf("failed to release address %s: %w", id, err)
		}
	}
	for _, id := range state.AssociationIDs {
		_, err := p.ec2Client.DisassociateRouteTable(ctx, &ec2.DisassociateRouteTableInput{AssociationId: aws.String(id)})
		if err := ignoreNotFound(err); err != nil {
			return fmt.Errorf("failed to disassociate route table: %w", err)
		}
	}
	for _, id := range state.RouteTableIDs {
		_, err := p.ec2Client.DeleteRouteTable(ctx, &ec2.DeleteRouteTableInput{RouteTableId: aws.String(id)})
		if err := ignoreNotFound(err); err != nil {
			return fmt.Errorf("failed to delete route table %s: %w", id, err)
		}
	}
	if state.InternetGatewayID != "" {
		_, err := p.ec2Client.DetachInternetGateway(ctx, &ec2.DetachInternetGatewayInput{
			InternetGatewayId: aws.String(state.InternetGatewayID),
			VpcId:             aws.String(state.VPCID),
		})
		if err := ignoreNotFound(err); err != nil && !hasCode(err, "Gateway.NotAttached") {
			return fmt.Errorf("failed to detach internet gateway: %w", err)
		}
		_, err = p.ec2Client.DeleteInternetGateway(ctx, &ec2.DeleteInternetGatewayInput{InternetGatewayId: aws.String(state.InternetGatewayID)})
		if err := ignoreNotFound(err); err != nil {
			return fmt.Errorf("failed to delete internet gateway: %w", err)
		}
	}
	for _, id := range append(append([]string{}, state.PublicSubnets...), state.PrivateSubnets...) {
		_, err := p.ec2Client.DeleteSubnet(ctx, &ec2.DeleteSubnetInput{SubnetId: aws.String(id)})
		if err := ignoreNotFound(err); err != nil {
			return fmt.Errorf("failed to delete subnet %s: %w", id, err)
		}
	}

	_, err := p.ec2Client.DeleteVpc(ctx, &ec2.DeleteVpcInput{VpcId: aws.String(state.VPCID)})
	if err != nil {
		if isNotFound(err) {
			return notFound(ir.KindNetwork, req.Name)
		}
		return fmt.Errorf("failed to delete vpc: %w", err)
	}
	return nil
}
