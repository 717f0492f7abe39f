package service

import (
	"context"
	"fmt"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"google.golang.org/api/option"
)

// Secret names expected in the project when payment keys are not supplied
// via the environment.
const (
	SecretStripeSecretKey  = "stripe-secret-key"
	SecretStripeWebhookKey = "stripe-webhook-secret"
)

// SecretManagerService resolves payment-processor secrets at startup in
// environments where they are not injected as environment variables.
type SecretManagerService interface {
	GetSecret(ctx context.Context, name string) (string, error)
	Close() error
}

type secretManagerService struct {
	client    *secretmanager.Client
	projectID string
}

// NewSecretManagerService creates a Secret Manager client for the project.
func NewSecretManagerService(ctx context.Context, projectID string, opts ...option.ClientOption) (SecretManagerService, error) {
	if projectID == "" {
		return nil, fmt.Errorf("GCP project ID is not set")
	}
	client, err := secretmanager.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Secret Manager client: %w", err)
	}
	return &secretManagerService{client: client, projectID: projectID}, nil
}

// GetSecret returns the latest version of the named secret.
func (s *secretManagerService) GetSecret(ctx context.Context, name string) (string, error) {
	versionPath := fmt.Sprintf("projects/%s/secrets/%s/versions/latest", s.projectID, name)
	result, err := s.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{
		Name: versionPath,
	})
	if err != nil {
		return "", fmt.Errorf("failed to access secret %s: %w", name, err)
	}
	return string(result.Payload.Data), nil
}

func (s *secretManagerService) Close() error {
	return s.client.Close()
}
