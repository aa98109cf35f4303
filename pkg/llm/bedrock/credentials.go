package bedrock

import (
	"context"
	"fmt"
	"os"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"

	"github.com/crewrun/crewd/pkg/config"
)

// Credential environment variables. Credential material is env-only; it
// never appears in YAML configuration.
const (
	envAPIKey          = "AWS_BEARER_TOKEN_BEDROCK"
	envAccessKeyID     = "AWS_ACCESS_KEY_ID"
	envSecretAccessKey = "AWS_SECRET_ACCESS_KEY"
	envSessionToken    = "AWS_SESSION_TOKEN"
)

// NewRuntime builds the AWS Bedrock runtime client for the configured
// credential mode.
//
// "api_key" expects a Bedrock API key in AWS_BEARER_TOKEN_BEDROCK, which the
// SDK picks up natively. "static" expects an access key pair in the standard
// AWS variables. "ambient" defers entirely to the default chain (instance
// profile, SSO, shared config).
func NewRuntime(ctx context.Context, settings config.LLMSettings) (*bedrockruntime.Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if settings.Region != "" {
		opts = append(opts, awsconfig.WithRegion(settings.Region))
	}

	switch settings.CredentialMode {
	case config.CredentialModeAPIKey:
		if os.Getenv(envAPIKey) == "" {
			return nil, fmt.Errorf("credential mode %q requires %s", settings.CredentialMode, envAPIKey)
		}

	case config.CredentialModeStatic:
		accessKey := os.Getenv(envAccessKeyID)
		secretKey := os.Getenv(envSecretAccessKey)
		if accessKey == "" || secretKey == "" {
			return nil, fmt.Errorf("credential mode %q requires %s and %s",
				settings.CredentialMode, envAccessKeyID, envSecretAccessKey)
		}
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKey, secretKey, os.Getenv(envSessionToken))))

	case config.CredentialModeAmbient, "":
		// Default chain.

	default:
		return nil, fmt.Errorf("unknown credential mode %q", settings.CredentialMode)
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	return bedrockruntime.NewFromConfig(awsCfg), nil
}
