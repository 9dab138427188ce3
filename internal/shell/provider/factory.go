package provider

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sts"
)

// DNS backends.
const (
	DNSRoute53    = "route53"
	DNSCloudflare = "cloudflare"
)

// Options selects and configures a provider.
type Options struct {
	Region  string
	Account string // verified against the credentials when set

	AccessKeyID     string
	SecretAccessKey string
	Profile         string

	DNS             string // route53 or cloudflare
	CloudflareToken string
}

// NewProvider creates the AWS provider described by opts, verifies the
// account when one is configured and attaches the chosen DNS backend.
func NewProvider(ctx context.Context, opts Options, logger *slog.Logger) (Provider, error) {
	if logger == nil {
		logger = slog.Default()
	}

	cfg, err := LoadAWSConfig(ctx, opts)
	if err != nil {
		return nil, err
	}

	if opts.Account != "" {
		if err := VerifyAccount(ctx, sts.NewFromConfig(cfg), opts.Account); err != nil {
			return nil, err
		}
	}

	var p Provider = NewAWSProvider(cfg, logger)

	switch opts.DNS {
	case "", DNSRoute53:
	case DNSCloudflare:
		d, err := NewCloudflareDNS(opts.CloudflareToken, logger)
		if err != nil {
			return nil, err
		}
		p = WithDNS(p, d)
	default:
		return nil, fmt.Errorf("unsupported DNS provider: %s", opts.DNS)
	}
	return p, nil
}

// LoadAWSConfig loads the SDK configuration. Static keys take precedence
// over a named profile; with neither, the default credential chain is used.
func LoadAWSConfig(ctx context.Context, opts Options) (aws.Config, error) {
	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(opts.Region)}
	switch {
	case opts.AccessKeyID != "":
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, ""),
		))
	case opts.Profile != "":
		loadOpts = append(loadOpts, config.WithSharedConfigProfile(opts.Profile))
	}

	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to load AWS configuration: %w", err)
	}
	return cfg, nil
}

// CallerIdentity is the STS call used to check credentials.
type CallerIdentity interface {
	GetCallerIdentity(ctx context.Context, in *sts.GetCallerIdentityInput, optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error)
}

// VerifyAccount returns ErrAccountMismatch unless the credentials belong to account.
func VerifyAccount(ctx context.Context, client CallerIdentity, account string) error {
	out, err := client.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return fmt.Errorf("failed to verify credentials: %w", err)
	}
	if got := aws.ToString(out.Account); got != account {
		return fmt.Errorf("%w: credentials are for %s, deployment targets %s", ErrAccountMismatch, got, account)
	}
	return nil
}
