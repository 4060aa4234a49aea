package secrets

import (
	"context"
	"errors"
	"hash/crc32"
	"io"
	"log/slog"
	"testing"

	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAccessor struct {
	payloads map[string]*secretmanagerpb.SecretPayload
	asked    []string
}

func (f *fakeAccessor) access(ctx context.Context, name string) (*secretmanagerpb.SecretPayload, error) {
	f.asked = append(f.asked, name)
	p, ok := f.payloads[name]
	if !ok {
		return nil, errors.New("NotFound")
	}
	return p, nil
}

func (f *fakeAccessor) close() error { return nil }

func checksum(data []byte) *int64 {
	v := int64(crc32.Checksum(data, crc32.MakeTable(crc32.Castagnoli)))
	return &v
}

func TestVersionName(t *testing.T) {
	tests := []struct {
		ref     string
		want    string
		wantErr bool
	}{
		{ref: "projects/malkier/secrets/github-token", want: "projects/malkier/secrets/github-token/versions/latest"},
		{ref: "projects/malkier/secrets/github-token/versions/3", want: "projects/malkier/secrets/github-token/versions/3"},
		{ref: "/projects/malkier/secrets/github-token/ ", want: "projects/malkier/secrets/github-token/versions/latest"},
		{ref: "github-token", wantErr: true},
		{ref: "projects//secrets/x", wantErr: true},
		{ref: "projects/malkier/keys/x", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.ref, func(t *testing.T) {
			got, err := VersionName(tt.ref)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrBadReference)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolve(t *testing.T) {
	data := []byte("ghp_example\n")
	api := &fakeAccessor{payloads: map[string]*secretmanagerpb.SecretPayload{
		"projects/malkier/secrets/github-token/versions/latest": {Data: data, DataCrc32C: checksum(data)},
		"projects/malkier/secrets/broken/versions/latest":       {Data: data, DataCrc32C: checksum([]byte("other"))},
	}}
	r := &Resolver{api: api, logger: slog.New(slog.NewTextHandler(io.Discard, nil))}

	secret, err := r.Resolve(context.Background(), "projects/malkier/secrets/github-token")
	require.NoError(t, err)
	assert.Equal(t, "ghp_example", secret.Value)
	assert.Equal(t, "REDACTED", secret.String())

	_, err = r.Resolve(context.Background(), "projects/malkier/secrets/broken")
	assert.ErrorIs(t, err, ErrCorrupt)

	_, err = r.Resolve(context.Background(), "projects/malkier/secrets/missing")
	assert.ErrorContains(t, err, "NotFound")
}
