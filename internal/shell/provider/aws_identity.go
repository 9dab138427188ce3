package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	cognito "github.com/aws/aws-sdk-go-v2/service/cognitoidentityprovider"
	cogtypes "github.com/aws/aws-sdk-go-v2/service/cognitoidentityprovider/types"

	"github.com/artpar/edgestack/internal/core/topology"
)

// =============================================================================
// IdentityProvisioner (Cognito)
// =============================================================================

// CreateIdentityPool creates the user pool, or reuses a pool of the same name.
func (p *AWSProvider) CreateIdentityPool(ctx context.Context, spec topology.IdentityPoolSpec) (IdentityPool, error) {
	id, err := p.findUserPool(ctx, spec.Name)
	if err != nil {
		return IdentityPool{}, err
	}

	if id == "" {
		out, err := p.cognito.CreateUserPool(ctx, &cognito.CreateUserPoolInput{
			PoolName:               aws.String(spec.Name),
			UsernameAttributes:     []cogtypes.UsernameAttributeType{cogtypes.UsernameAttributeTypeEmail},
			AutoVerifiedAttributes: []cogtypes.VerifiedAttributeType{cogtypes.VerifiedAttributeTypeEmail},
			UserPoolTags:           spec.Tags,
		})
		if err != nil {
			return IdentityPool{}, fmt.Errorf("failed to create user pool %s: %w", spec.Name, err)
		}
		p.logger.Info("user pool created", "pool_id", aws.ToString(out.UserPool.Id))
		return IdentityPool{ID: aws.ToString(out.UserPool.Id), ARN: aws.ToString(out.UserPool.Arn)}, nil
	}

	out, err := p.cognito.DescribeUserPool(ctx, &cognito.DescribeUserPoolInput{UserPoolId: aws.String(id)})
	if err != nil {
		return IdentityPool{}, fmt.Errorf("failed to describe user pool %s: %w", id, err)
	}
	p.logger.Info("reusing user pool", "pool_id", id)
	return IdentityPool{ID: id, ARN: aws.ToString(out.UserPool.Arn)}, nil
}

func (p *AWSProvider) findUserPool(ctx context.Context, name string) (string, error) {
	pages := cognito.NewListUserPoolsPaginator(p.cognito, &cognito.ListUserPoolsInput{MaxResults: aws.Int32(60)})
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return "", fmt.Errorf("failed to list user pools: %w", err)
		}
		for _, pool := range page.UserPools {
			if aws.ToString(pool.Name) == name {
				return aws.ToString(pool.Id), nil
			}
		}
	}
	return "", nil
}

// CreateIdentityClient creates the app client, or updates the client of the
// same name so it matches the descriptor.
func (p *AWSProvider) CreateIdentityClient(ctx context.Context, spec topology.IdentityClientSpec) (string, error) {
	flows := make([]cogtypes.OAuthFlowType, 0, len(spec.OAuthFlows))
	for _, f := range spec.OAuthFlows {
		flows = append(flows, cogtypes.OAuthFlowType(f))
	}
	units := &cogtypes.TokenValidityUnitsType{RefreshToken: cogtypes.TimeUnitsTypeDays}

	existing, err := p.findUserPoolClient(ctx, spec.PoolID, spec.Name)
	if err != nil {
		return "", err
	}
	if existing != "" {
		if _, err := p.cognito.UpdateUserPoolClient(ctx, &cognito.UpdateUserPoolClientInput{
			UserPoolId:                      aws.String(spec.PoolID),
			ClientId:                        aws.String(existing),
			ClientName:                      aws.String(spec.Name),
			AllowedOAuthFlows:               flows,
			AllowedOAuthFlowsUserPoolClient: true,
			AllowedOAuthScopes:              spec.Scopes,
			CallbackURLs:                    spec.CallbackURLs,
			SupportedIdentityProviders:      spec.SupportedProviders,
			RefreshTokenValidity:            int32(spec.RefreshTokenDays),
			TokenValidityUnits:              units,
		}); err != nil {
			return "", fmt.Errorf("failed to update user pool client %s: %w", spec.Name, err)
		}
		p.logger.Info("user pool client updated", "client_id", existing)
		return existing, nil
	}

	out, err := p.cognito.CreateUserPoolClient(ctx, &cognito.CreateUserPoolClientInput{
		UserPoolId:                      aws.String(spec.PoolID),
		ClientName:                      aws.String(spec.Name),
		GenerateSecret:                  spec.GenerateSecret,
		AllowedOAuthFlows:               flows,
		AllowedOAuthFlowsUserPoolClient: true,
		AllowedOAuthScopes:              spec.Scopes,
		CallbackURLs:                    spec.CallbackURLs,
		SupportedIdentityProviders:      spec.SupportedProviders,
		RefreshTokenValidity:            int32(spec.RefreshTokenDays),
		TokenValidityUnits:              units,
	})
	if err != nil {
		return "", fmt.Errorf("failed to create user pool client %s: %w", spec.Name, err)
	}
	id := aws.ToString(out.UserPoolClient.ClientId)
	p.logger.Info("user pool client created", "client_id", id)
	return id, nil
}

func (p *AWSProvider) findUserPoolClient(ctx context.Context, poolID, name string) (string, error) {
	pages := cognito.NewListUserPoolClientsPaginator(p.cognito, &cognito.ListUserPoolClientsInput{
		UserPoolId: aws.String(poolID),
		MaxResults: aws.Int32(60),
	})
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return "", fmt.Errorf("failed to list clients of %s: %w", poolID, err)
		}
		for _, c := range page.UserPoolClients {
			if aws.ToString(c.ClientName) == name {
				return aws.ToString(c.ClientId), nil
			}
		}
	}
	return "", nil
}

// CreateIdentityDomain creates the hosted sign-in domain and waits until it
// is active. A prefix already bound to the same pool is reused.
func (p *AWSProvider) CreateIdentityDomain(ctx context.Context, spec topology.IdentityDomainSpec) (string, error) {
	desc, err := p.describeDomain(ctx, spec.Prefix)
	if err != nil {
		return "", err
	}
	switch {
	case desc == nil:
		if _, err := p.cognito.CreateUserPoolDomain(ctx, &cognito.CreateUserPoolDomainInput{
			Domain:     aws.String(spec.Prefix),
			UserPoolId: aws.String(spec.PoolID),
		}); err != nil {
			return "", fmt.Errorf("failed to create user pool domain %s: %w", spec.Prefix, err)
		}
		p.logger.Info("user pool domain requested", "prefix", spec.Prefix)
	case aws.ToString(desc.UserPoolId) != spec.PoolID:
		return "", fmt.Errorf("user pool domain %s belongs to another pool", spec.Prefix)
	}

	for i := 0; i < 60; i++ {
		desc, err := p.describeDomain(ctx, spec.Prefix)
		if err != nil {
			return "", err
		}
		if desc != nil {
			switch desc.Status {
			case cogtypes.DomainStatusTypeActive:
				return spec.Prefix, nil
			case cogtypes.DomainStatusTypeFailed:
				return "", fmt.Errorf("user pool domain %s failed to provision", spec.Prefix)
			}
		}
		if err := sleep(ctx, 5*time.Second); err != nil {
			return "", err
		}
	}
	return "", fmt.Errorf("timed out waiting for user pool domain %s", spec.Prefix)
}

// describeDomain returns nil when the prefix is unused.
func (p *AWSProvider) describeDomain(ctx context.Context, prefix string) (*cogtypes.DomainDescriptionType, error) {
	out, err := p.cognito.DescribeUserPoolDomain(ctx, &cognito.DescribeUserPoolDomainInput{Domain: aws.String(prefix)})
	if err != nil {
		return nil, fmt.Errorf("failed to describe user pool domain %s: %w", prefix, err)
	}
	if out.DomainDescription == nil || aws.ToString(out.DomainDescription.UserPoolId) == "" {
		return nil, nil
	}
	return out.DomainDescription, nil
}
