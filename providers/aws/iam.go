package aws

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iam"
)

const (
	ec2Principal      = "ec2.amazonaws.com"
	ecsTasksPrincipal = "ecs-tasks.amazonaws.com"

	ecsInstancePolicyArn     = "arn:aws:iam::aws:policy/service-role/AmazonEC2ContainerServiceforEC2Role"
	taskExecutionPolicyArn   = "arn:aws:iam::aws:policy/service-role/AmazonECSTaskExecutionRolePolicy"
	assumeRolePolicyTemplate = `{"Version":"2012-10-17","Statement":[{"Effect":"Allow","Principal":{"Service":"%s"},"Action":"sts:AssumeRole"}]}`
)

// ensureRole creates a role assumable by principal with policyArn attached and
// returns its ARN. An existing role of the same name is reused.
func (p *Provider) ensureRole(ctx context.Context, name, principal, policyArn string) (string, error) {
	var arn string
	out, err := p.iamClient.CreateRole(ctx, &iam.CreateRoleInput{
		RoleName:                 aws.String(name),
		AssumeRolePolicyDocument: aws.String(fmt.Sprintf(assumeRolePolicyTemplate, principal)),
	})
	switch {
	case err == nil:
		arn = aws.ToString(out.Role.Arn)
	case isAlreadyExists(err):
		got, err := p.iamClient.GetRole(ctx, &iam.GetRoleInput{RoleName: aws.String(name)})
		if err != nil {
			return "", fmt.Errorf("failed to get role %s: %w", name, err)
		}
		arn = aws.ToString(got.Role.Arn)
	default:
		return "", fmt.Errorf("failed to create role %s: %w", name, err)
	}

	_, err = p.iamClient.AttachRolePolicy(ctx, &iam.AttachRolePolicyInput{
		RoleName:  aws.String(name),
		PolicyArn: aws.String(policyArn),
	})
	if err != nil {
		return "", fmt.Errorf("failed to attach policy to role %s: %w", name, err)
	}
	return arn, nil
}

func (p *Provider) deleteRole(ctx context.Context, name, policyArn string) error {
	_, err := p.iamClient.DetachRolePolicy(ctx, &iam.DetachRolePolicyInput{
		RoleName:  aws.String(name),
		PolicyArn: aws.String(policyArn),
	})
	if err := ignoreNotFound(err); err != nil {
		return fmt.Errorf("failed to detach policy from role %s: %w", name, err)
	}
	_, err = p.iamClient.DeleteRole(ctx, &iam.DeleteRoleInput{RoleName: aws.String(name)})
	if err := ignoreNotFound(err); err != nil {
		return fmt.Errorf("failed to delete role %s: %w", name, err)
	}
	return nil
}

// ensureInstanceProfile wraps role in an instance profile of the same name.
func (p *Provider) ensureInstanceProfile(ctx context.Context, name string) (string, error) {
	var arn string
	out, err := p.iamClient.CreateInstanceProfile(ctx, &iam.CreateInstanceProfileInput{
		InstanceProfileName: aws.String(name),
	})
	switch {
	case err == nil:
		arn = aws.ToString(out.InstanceProfile.Arn)
	case isAlreadyExists(err):
		got, err := p.iamClient.GetInstanceProfile(ctx, &iam.GetInstanceProfileInput{InstanceProfileName: aws.String(name)})
		if err != nil {
			return "", fmt.Errorf("failed to get instance profile %s: %w", name, err)
		}
		if len(got.InstanceProfile.Roles) > 0 {
			return aws.ToString(got.InstanceProfile.Arn), nil
		}
		arn = aws.ToString(got.InstanceProfile.Arn)
	default:
		return "", fmt.Errorf("failed to create instance profile %s: %w", name, err)
	}

	_, err = p.iamClient.AddRoleToInstanceProfile(ctx, &iam.AddRoleToInstanceProfileInput{
		InstanceProfileName: aws.String(name),
		RoleName:            aws.String(name),
	})
	if err != nil && !hasCode(err, "LimitExceeded") {
		return "", fmt.Errorf("failed to add role to instance profile %s: %w", name, err)
	}
	return arn, nil
}

func (p *Provider) deleteInstanceProfile(ctx context.Context, name string) error {
	_, err := p.iamClient.RemoveRoleFromInstanceProfile(ctx, &iam.RemoveRoleFromInstanceProfileInput{
		InstanceProfileName: aws.String(name),
		RoleName:            aws.String(name),
	})
	if err := ignoreNotFound(err); err != nil {
		return fmt.Errorf("failed to remove role from instance profile %s: %w", name, err)
	}
	_, err = p.iamClient.DeleteInstanceProfile(ctx, &iam.DeleteInstanceProfileInput{InstanceProfileName: aws.String(name)})
	if err := ignoreNotFound(err); err != nil {
		return fmt.Errorf("failed to delete instance profile %s: %w", name, err)
	}
	return nil
}
