// Package secrets resolves credentials stored in Google Secret Manager.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"log/slog"
	"strings"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"

	"github.com/mywio/hubrelay/pkg/core"
)

var (
	ErrBadReference = errors.New("invalid secret reference")
	ErrCorrupt      = errors.New("secret payload checksum mismatch")
)

// accessor is the slice of the Secret Manager API the resolver uses.
type accessor interface {
	access(ctx context.Context, name string) (*secretmanagerpb.SecretPayload, error)
	close() error
}

type gcpAccessor struct {
	client *secretmanager.Client
}

func (a gcpAccessor) access(ctx context.Context, name string) (*secretmanagerpb.SecretPayload, error) {
	resp, err := a.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: name})
	if err != nil {
		return nil, err
	}
	return resp.GetPayload(), nil
}

func (a gcpAccessor) close() error { return a.client.Close() }

// Resolver fetches secret versions by resource name.
type Resolver struct {
	api    accessor
	logger *slog.Logger
}

// NewResolver connects with Application Default Credentials.
func NewResolver(ctx context.Context, logger *slog.Logger) (*Resolver, error) {
	client, err := secretmanager.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("secret manager client: %w", err)
	}
	return &Resolver{api: gcpAccessor{client: client}, logger: logger}, nil
}

// Resolve returns the secret named by ref. ref is a full version name
// (projects/p/secrets/s/versions/v) or a secret name, which resolves to
// its latest version.
func (r *Resolver) Resolve(ctx context.Context, ref string) (core.Secret, error) {
	name, err := VersionName(ref)
	if err != nil {
		return core.Secret{}, err
	}
	payload, err := r.api.access(ctx, name)
	if err != nil {
		return core.Secret{}, fmt.Errorf("access %s: %w", name, err)
	}
	if payload.DataCrc32C != nil {
		table := crc32.MakeTable(crc32.Castagnoli)
		if int64(crc32.Checksum(payload.GetData(), table)) != payload.GetDataCrc32C() {
			return core.Secret{}, fmt.Errorf("%s: %w", name, ErrCorrupt)
		}
	}
	r.logger.InfoContext(ctx, "Resolved secret", "name", name)
	return core.NewSecret(strings.TrimSpace(string(payload.GetData()))), nil
}

func (r *Resolver) Close() error {
	return r.api.close()
}

// VersionName normalizes ref into a secret version resource name.
func VersionName(ref string) (string, error) {
	parts := strings.Split(strings.Trim(strings.TrimSpace(ref), "/"), "/")
	switch {
	case len(parts) == 4 && parts[0] == "projects" && parts[2] == "secrets":
		parts = append(parts, "versions", "latest")
	case len(parts) == 6 && parts[0] == "projects" && parts[2] == "secrets" && parts[4] == "versions":
	default:
		return "", fmt.Errorf("%w: %q", ErrBadReference, ref)
	}
	for _, p := range parts {
		if p == "" {
			return "", fmt.Errorf("%w: %q", ErrBadReference, ref)
		}
	}
	return strings.Join(parts, "/"), nil
}
