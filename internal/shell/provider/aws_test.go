package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	ecstypes "github.com/aws/aws-sdk-go-v2/service/ecs/types"
	elbtypes "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artpar/edgestack/internal/core/topology"
)

// =============================================================================
// Error Code Tests
// =============================================================================

func TestIsErrorCode(t *testing.T) {
	apiErr := &smithy.GenericAPIError{Code: "InvalidGroup.Duplicate", Message: "exists"}

	assert.True(t, isErrorCode(apiErr, "InvalidGroup.Duplicate"))
	assert.True(t, isErrorCode(fmt.Errorf("create: %w", apiErr), "Other", "InvalidGroup.Duplicate"))
	assert.False(t, isErrorCode(apiErr, "InvalidPermission.Duplicate"))
	assert.False(t, isErrorCode(errors.New("InvalidGroup.Duplicate"), "InvalidGroup.Duplicate"))
	assert.False(t, isErrorCode(nil, "InvalidGroup.Duplicate"))
}

// =============================================================================
// Tag Tests
// =============================================================================

func TestEC2Tags_SortedWithName(t *testing.T) {
	tags := ec2Tags(map[string]string{"b": "2", "a": "1", "Name": "ignored"}, "edge-vpc")

	require.Len(t, tags, 3)
	assert.Equal(t, "a", aws.ToString(tags[0].Key))
	assert.Equal(t, "b", aws.ToString(tags[1].Key))
	assert.Equal(t, "Name", aws.ToString(tags[2].Key))
	assert.Equal(t, "edge-vpc", aws.ToString(tags[2].Value))
}

func TestEC2Tags_KeepsNameTagWithoutOverride(t *testing.T) {
	tags := ec2Tags(map[string]string{"Name": "keep"}, "")

	require.Len(t, tags, 1)
	assert.Equal(t, "keep", aws.ToString(tags[0].Value))
}

func TestWithTag_DoesNotModifyInput(t *testing.T) {
	in := map[string]string{"a": "1"}
	out := withTag(in, tierTag, tierPublic)

	assert.Equal(t, map[string]string{"a": "1"}, in)
	assert.Equal(t, tierPublic, out[tierTag])
}

func TestSleep_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, sleep(ctx, time.Hour), context.Canceled)
}

// =============================================================================
// Ingress Tests
// =============================================================================

func TestIPPermission(t *testing.T) {
	t.Run("from CIDR", func(t *testing.T) {
		perm := ipPermission(topology.IngressSpec{BoundaryID: "sg-1", SourceCIDR: "0.0.0.0/0", Port: 443, Protocol: "tcp"})

		assert.Equal(t, "tcp", aws.ToString(perm.IpProtocol))
		assert.Equal(t, int32(443), aws.ToInt32(perm.FromPort))
		assert.Equal(t, int32(443), aws.ToInt32(perm.ToPort))
		require.Len(t, perm.IpRanges, 1)
		assert.Equal(t, "0.0.0.0/0", aws.ToString(perm.IpRanges[0].CidrIp))
		assert.Empty(t, perm.UserIdGroupPairs)
	})

	t.Run("from boundary", func(t *testing.T) {
		perm := ipPermission(topology.IngressSpec{BoundaryID: "sg-1", SourceBoundaryID: "sg-2", Port: 80, Protocol: "tcp"})

		require.Len(t, perm.UserIdGroupPairs, 1)
		assert.Equal(t, "sg-2", aws.ToString(perm.UserIdGroupPairs[0].GroupId))
		assert.Empty(t, perm.IpRanges)
	})
}

// =============================================================================
// Compute Tests
// =============================================================================

func TestAssumeRolePolicy(t *testing.T) {
	var doc struct {
		Version   string
		Statement []struct {
			Effect    string
			Principal map[string]string
			Action    string
		}
	}
	require.NoError(t, json.Unmarshal([]byte(assumeRolePolicy()), &doc))

	assert.Equal(t, "2012-10-17", doc.Version)
	require.Len(t, doc.Statement, 1)
	assert.Equal(t, "ecs-tasks.amazonaws.com", doc.Statement[0].Principal["Service"])
	assert.Equal(t, "sts:AssumeRole", doc.Statement[0].Action)
}

func TestTaskDefinitionInput(t *testing.T) {
	in := taskDefinitionInput(topology.TaskSpec{
		Family:           "web",
		CPU:              256,
		MemoryMiB:        512,
		Architecture:     "ARM64",
		ExecutionRoleARN: "arn:role",
		LogGroup:         "/ecs/web",
		Region:           "eu-central-1",
		Container: topology.ContainerSpec{
			Name:            "nginx",
			Image:           "nginx:latest",
			Port:            80,
			Environment:     map[string]string{"B": "2", "A": "1"},
			LogStreamPrefix: "nginx",
		},
	})

	assert.Equal(t, "256", aws.ToString(in.Cpu))
	assert.Equal(t, "512", aws.ToString(in.Memory))
	assert.Equal(t, ecstypes.NetworkModeAwsvpc, in.NetworkMode)
	assert.Equal(t, []ecstypes.Compatibility{ecstypes.CompatibilityFargate}, in.RequiresCompatibilities)
	assert.Equal(t, ecstypes.CPUArchitecture("ARM64"), in.RuntimePlatform.CpuArchitecture)

	require.Len(t, in.ContainerDefinitions, 1)
	c := in.ContainerDefinitions[0]
	assert.Equal(t, "nginx:latest", aws.ToString(c.Image))
	assert.Equal(t, int32(80), aws.ToInt32(c.PortMappings[0].ContainerPort))
	require.Len(t, c.Environment, 2)
	assert.Equal(t, "A", aws.ToString(c.Environment[0].Name))
	assert.Equal(t, ecstypes.LogDriverAwslogs, c.LogConfiguration.LogDriver)
	assert.Equal(t, "/ecs/web", c.LogConfiguration.Options["awslogs-group"])
	assert.Equal(t, "eu-central-1", c.LogConfiguration.Options["awslogs-region"])
}

// =============================================================================
// Edge Tests
// =============================================================================

func TestListenerActions(t *testing.T) {
	actions, err := listenerActions([]topology.ActionSpec{
		{Order: 1, Type: topology.ActionTypeAuthenticate, UserPoolARN: "arn:pool", ClientID: "client", DomainPrefix: "example-com-auth"},
		{Order: 2, Type: topology.ActionTypeForward, TargetGroupARN: "arn:tg"},
	})
	require.NoError(t, err)
	require.Len(t, actions, 2)

	assert.Equal(t, elbtypes.ActionTypeEnumAuthenticateCognito, actions[0].Type)
	assert.Equal(t, "example-com-auth", aws.ToString(actions[0].AuthenticateCognitoConfig.UserPoolDomain))
	assert.Equal(t, int32(1), aws.ToInt32(actions[0].Order))
	assert.Equal(t, elbtypes.ActionTypeEnumForward, actions[1].Type)
	assert.Equal(t, "arn:tg", aws.ToString(actions[1].TargetGroupArn))

	_, err = listenerActions([]topology.ActionSpec{{Order: 1, Type: "redirect"}})
	assert.Error(t, err)
}

func TestListenerCertificates(t *testing.T) {
	assert.Nil(t, listenerCertificates(nil))

	certs := listenerCertificates([]string{"arn:cert"})
	require.Len(t, certs, 1)
	assert.Equal(t, "arn:cert", aws.ToString(certs[0].CertificateArn))
}

func TestIdempotencyToken(t *testing.T) {
	token := idempotencyToken("example.com")

	assert.Len(t, token, 32)
	assert.Equal(t, token, idempotencyToken("example.com"))
	assert.NotEqual(t, token, idempotencyToken("example.org"))
}

// =============================================================================
// Account Tests
// =============================================================================

type fakeCaller struct {
	account string
	err     error
}

func (f fakeCaller) GetCallerIdentity(ctx context.Context, in *sts.GetCallerIdentityInput, optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &sts.GetCallerIdentityOutput{Account: aws.String(f.account)}, nil
}

func TestVerifyAccount(t *testing.T) {
	ctx := context.Background()

	assert.NoError(t, VerifyAccount(ctx, fakeCaller{account: "241314003741"}, "241314003741"))

	err := VerifyAccount(ctx, fakeCaller{account: "111111111111"}, "241314003741")
	assert.ErrorIs(t, err, ErrAccountMismatch)
	assert.Contains(t, err.Error(), "111111111111")

	boom := errors.New("expired token")
	err = VerifyAccount(ctx, fakeCaller{err: boom}, "241314003741")
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, ErrAccountMismatch)
}

func TestNewProvider_RejectsUnknownDNS(t *testing.T) {
	_, err := NewProvider(context.Background(), Options{
		Region:          "eu-central-1",
		AccessKeyID:     "AKIDEXAMPLE",
		SecretAccessKey: "secret",
		DNS:             "bind",
	}, nil)
	assert.ErrorContains(t, err, "unsupported DNS provider")
}

func TestNewProvider_CloudflareNeedsToken(t *testing.T) {
	_, err := NewProvider(context.Background(), Options{
		Region:          "eu-central-1",
		AccessKeyID:     "AKIDEXAMPLE",
		SecretAccessKey: "secret",
		DNS:             DNSCloudflare,
	}, nil)
	assert.ErrorIs(t, err, ErrCloudflareToken)
}
