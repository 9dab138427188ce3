package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	ecstypes "github.com/aws/aws-sdk-go-v2/service/ecs/types"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	iamtypes "github.com/aws/aws-sdk-go-v2/service/iam/types"

	"github.com/artpar/edgestack/internal/core/topology"
)

// =============================================================================
// ComputeProvisioner
// =============================================================================

// CreateLogSink creates the log group and sets its retention.
func (p *AWSProvider) CreateLogSink(ctx context.Context, spec topology.LogSinkSpec) (string, error) {
	_, err := p.logs.CreateLogGroup(ctx, &cloudwatchlogs.CreateLogGroupInput{
		LogGroupName: aws.String(spec.GroupName),
	})
	if err != nil && !isErrorCode(err, "ResourceAlreadyExistsException") {
		return "", fmt.Errorf("failed to create log group %s: %w", spec.GroupName, err)
	}

	if spec.RetentionDays > 0 {
		if _, err := p.logs.PutRetentionPolicy(ctx, &cloudwatchlogs.PutRetentionPolicyInput{
			LogGroupName:    aws.String(spec.GroupName),
			RetentionInDays: aws.Int32(int32(spec.RetentionDays)),
		}); err != nil {
			return "", fmt.Errorf("failed to set retention of %s: %w", spec.GroupName, err)
		}
	}
	return spec.GroupName, nil
}

// assumeRolePolicy lets the container runtime assume the execution role.
func assumeRolePolicy() string {
	doc := map[string]any{
		"Version": "2012-10-17",
		"Statement": []map[string]any{{
			"Effect":    "Allow",
			"Principal": map[string]string{"Service": "ecs-tasks.amazonaws.com"},
			"Action":    "sts:AssumeRole",
		}},
	}
	b, _ := json.Marshal(doc)
	return string(b)
}

// CreateExecutionRole creates the task execution role, or reuses a role of
// the same name, and attaches the managed execution policy.
func (p *AWSProvider) CreateExecutionRole(ctx context.Context, spec topology.ExecutionRoleSpec) (string, error) {
	var arn string

	out, err := p.iam.CreateRole(ctx, &iam.CreateRoleInput{
		RoleName:                 aws.String(spec.Name),
		AssumeRolePolicyDocument: aws.String(assumeRolePolicy()),
		Tags:                     iamTags(spec.Tags),
	})
	switch {
	case isErrorCode(err, "EntityAlreadyExists"):
		got, err := p.iam.GetRole(ctx, &iam.GetRoleInput{RoleName: aws.String(spec.Name)})
		if err != nil {
			return "", fmt.Errorf("failed to read role %s: %w", spec.Name, err)
		}
		arn = aws.ToString(got.Role.Arn)
	case err != nil:
		return "", fmt.Errorf("failed to create role %s: %w", spec.Name, err)
	default:
		arn = aws.ToString(out.Role.Arn)
	}

	if _, err := p.iam.AttachRolePolicy(ctx, &iam.AttachRolePolicyInput{
		RoleName:  aws.String(spec.Name),
		PolicyArn: aws.String(spec.ManagedPolicyARN),
	}); err != nil {
		return "", fmt.Errorf("failed to attach policy to %s: %w", spec.Name, err)
	}

	p.logger.Info("execution role ready", "role_arn", arn)
	return arn, nil
}

func iamTags(tags map[string]string) []iamtypes.Tag {
	out := make([]iamtypes.Tag, 0, len(tags))
	for _, k := range sortedKeys(tags) {
		out = append(out, iamtypes.Tag{Key: aws.String(k), Value: aws.String(tags[k])})
	}
	return out
}

func ecsTags(tags map[string]string) []ecstypes.Tag {
	out := make([]ecstypes.Tag, 0, len(tags))
	for _, k := range sortedKeys(tags) {
		out = append(out, ecstypes.Tag{Key: aws.String(k), Value: aws.String(tags[k])})
	}
	return out
}

// CreateCluster creates the cluster. The call is idempotent by name.
func (p *AWSProvider) CreateCluster(ctx context.Context, spec topology.ClusterSpec) (string, error) {
	out, err := p.ecs.CreateCluster(ctx, &ecs.CreateClusterInput{
		ClusterName: aws.String(spec.Name),
		Tags:        ecsTags(spec.Tags),
	})
	if err != nil {
		return "", fmt.Errorf("failed to create cluster %s: %w", spec.Name, err)
	}
	arn := aws.ToString(out.Cluster.ClusterArn)
	p.logger.Info("cluster ready", "cluster_arn", arn)
	return arn, nil
}

// taskDefinitionInput maps a task descriptor onto a Fargate task definition.
func taskDefinitionInput(spec topology.TaskSpec) *ecs.RegisterTaskDefinitionInput {
	c := spec.Container

	env := make([]ecstypes.KeyValuePair, 0, len(c.Environment))
	for _, k := range sortedKeys(c.Environment) {
		env = append(env, ecstypes.KeyValuePair{Name: aws.String(k), Value: aws.String(c.Environment[k])})
	}

	return &ecs.RegisterTaskDefinitionInput{
		Family:                  aws.String(spec.Family),
		Cpu:                     aws.String(strconv.Itoa(spec.CPU)),
		Memory:                  aws.String(strconv.Itoa(spec.MemoryMiB)),
		NetworkMode:             ecstypes.NetworkModeAwsvpc,
		RequiresCompatibilities: []ecstypes.Compatibility{ecstypes.CompatibilityFargate},
		ExecutionRoleArn:        aws.String(spec.ExecutionRoleARN),
		RuntimePlatform: &ecstypes.RuntimePlatform{
			CpuArchitecture:       ecstypes.CPUArchitecture(spec.Architecture),
			OperatingSystemFamily: ecstypes.OSFamilyLinux,
		},
		ContainerDefinitions: []ecstypes.ContainerDefinition{{
			Name:        aws.String(c.Name),
			Image:       aws.String(c.Image),
			Essential:   aws.Bool(true),
			Environment: env,
			PortMappings: []ecstypes.PortMapping{{
				ContainerPort: aws.Int32(int32(c.Port)),
				Protocol:      ecstypes.TransportProtocolTcp,
			}},
			LogConfiguration: &ecstypes.LogConfiguration{
				LogDriver: ecstypes.LogDriverAwslogs,
				Options: map[string]string{
					"awslogs-group":         spec.LogGroup,
					"awslogs-region":        spec.Region,
					"awslogs-stream-prefix": c.LogStreamPrefix,
				},
			},
		}},
	}
}

// RegisterTask registers a new task definition revision.
func (p *AWSProvider) RegisterTask(ctx context.Context, spec topology.TaskSpec) (string, error) {
	out, err := p.ecs.RegisterTaskDefinition(ctx, taskDefinitionInput(spec))
	if err != nil {
		return "", fmt.Errorf("failed to register task definition %s: %w", spec.Family, err)
	}
	arn := aws.ToString(out.TaskDefinition.TaskDefinitionArn)
	p.logger.Info("task definition registered", "task_definition_arn", arn)
	return arn, nil
}

// CreateService creates the Fargate service, or updates it in place when an
// active service of the same name exists, and waits until it is stable.
func (p *AWSProvider) CreateService(ctx context.Context, spec topology.ServiceSpec) (ServiceRef, error) {
	existing, err := p.ecs.DescribeServices(ctx, &ecs.DescribeServicesInput{
		Cluster:  aws.String(spec.ClusterARN),
		Services: []string{spec.Name},
	})
	if err != nil {
		return ServiceRef{}, fmt.Errorf("failed to look up service %s: %w", spec.Name, err)
	}

	var arn string
	for _, s := range existing.Services {
		if aws.ToString(s.Status) == "ACTIVE" {
			arn = aws.ToString(s.ServiceArn)
		}
	}

	if arn != "" {
		if _, err := p.ecs.UpdateService(ctx, &ecs.UpdateServiceInput{
			Cluster:        aws.String(spec.ClusterARN),
			Service:        aws.String(spec.Name),
			TaskDefinition: aws.String(spec.TaskDefinitionARN),
			DesiredCount:   aws.Int32(int32(spec.DesiredCount)),
		}); err != nil {
			return ServiceRef{}, fmt.Errorf("failed to update service %s: %w", spec.Name, err)
		}
		p.logger.Info("service updated", "service_arn", arn)
	} else {
		out, err := p.ecs.CreateService(ctx, &ecs.CreateServiceInput{
			Cluster:        aws.String(spec.ClusterARN),
			ServiceName:    aws.String(spec.Name),
			TaskDefinition: aws.String(spec.TaskDefinitionARN),
			DesiredCount:   aws.Int32(int32(spec.DesiredCount)),
			LaunchType:     ecstypes.LaunchTypeFargate,
			NetworkConfiguration: &ecstypes.NetworkConfiguration{
				AwsvpcConfiguration: awsvpcConfiguration(spec),
			},
			Tags: ecsTags(spec.Tags),
		})
		if err != nil {
			return ServiceRef{}, fmt.Errorf("failed to create service %s: %w", spec.Name, err)
		}
		arn = aws.ToString(out.Service.ServiceArn)
		p.logger.Info("service created", "service_arn", arn, "desired_count", spec.DesiredCount)
	}

	if err := p.waitServiceStable(ctx, spec.ClusterARN, arn); err != nil {
		return ServiceRef{}, err
	}
	return ServiceRef{ARN: arn, Name: spec.Name}, nil
}

func awsvpcConfiguration(spec topology.ServiceSpec) *ecstypes.AwsVpcConfiguration {
	assign := ecstypes.AssignPublicIpDisabled
	if spec.AssignPublicIP {
		assign = ecstypes.AssignPublicIpEnabled
	}
	return &ecstypes.AwsVpcConfiguration{
		Subnets:        spec.Subnets,
		SecurityGroups: spec.BoundaryIDs,
		AssignPublicIp: assign,
	}
}

func (p *AWSProvider) waitServiceStable(ctx context.Context, clusterARN, serviceARN string) error {
	p.logger.Info("waiting for service to stabilize", "service_arn", serviceARN)
	err := ecs.NewServicesStableWaiter(p.ecs).Wait(ctx, &ecs.DescribeServicesInput{
		Cluster:  aws.String(clusterARN),
		Services: []string{serviceARN},
	}, serviceWaitTimeout)
	if err != nil {
		return fmt.Errorf("failed waiting for service %s: %w", serviceARN, err)
	}
	return nil
}
