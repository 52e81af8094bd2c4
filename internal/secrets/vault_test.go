package secrets

import (
	"context"
	"errors"
	"strings"
	"testing"

	vault "github.com/hashicorp/vault/api"

	"webui-deployer/internal/config"
)

type fakeReader struct {
	secret *vault.Secret
	err    error
	paths  []string
}

func (f *fakeReader) ReadWithContext(ctx context.Context, path string) (*vault.Secret, error) {
	f.paths = append(f.paths, path)
	return f.secret, f.err
}

func TestReadKV(t *testing.T) {
	tests := []struct {
		name    string
		reader  *fakeReader
		want    string
		wantErr string
	}{
		{
			name: "key present",
			reader: &fakeReader{secret: &vault.Secret{Data: map[string]interface{}{
				"data": map[string]interface{}{"private_key": " 0xabc\n"},
			}}},
			want: "0xabc",
		},
		{
			name:    "read failure",
			reader:  &fakeReader{err: errors.New("permission denied")},
			wantErr: "permission denied",
		},
		{
			name:    "missing secret",
			reader:  &fakeReader{},
			wantErr: "secret not found",
		},
		{
			name: "kv v1 layout",
			reader: &fakeReader{secret: &vault.Secret{Data: map[string]interface{}{
				"private_key": "0xabc",
			}}},
			wantErr: "unexpected secret format",
		},
		{
			name: "missing key",
			reader: &fakeReader{secret: &vault.Secret{Data: map[string]interface{}{
				"data": map[string]interface{}{"other": "value"},
			}}},
			wantErr: "key private_key not found",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ReadKV(context.Background(), tt.reader, "secret/data/app", "private_key")
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("ReadKV() error = %v, want containing %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("ReadKV() unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("ReadKV() = %q, want %q", got, tt.want)
			}
			if tt.reader.paths[0] != "secret/data/app" {
				t.Errorf("read path = %q, want secret/data/app", tt.reader.paths[0])
			}
		})
	}
}

func TestResolvePrivateKeyKeepsEnvironmentKey(t *testing.T) {
	cfg := &config.Config{PrivateKey: "0xenv", VaultAddr: "http://vault:8200"}
	if err := ResolvePrivateKey(context.Background(), cfg); err != nil {
		t.Fatalf("ResolvePrivateKey() error = %v", err)
	}
	if cfg.PrivateKey != "0xenv" {
		t.Errorf("PrivateKey = %q, want 0xenv", cfg.PrivateKey)
	}
}

func TestResolvePrivateKeyWithoutVault(t *testing.T) {
	cfg := &config.Config{}
	if err := ResolvePrivateKey(context.Background(), cfg); err != nil {
		t.Fatalf("ResolvePrivateKey() error = %v", err)
	}
	if cfg.PrivateKey != "" {
		t.Errorf("PrivateKey = %q, want empty", cfg.PrivateKey)
	}
}

func TestNewVaultReaderRequiresToken(t *testing.T) {
	if _, err := NewVaultReader("http://vault:8200", ""); err == nil {
		t.Error("expected error without a token")
	}
	if _, err := NewVaultReader("", "hvs.token"); err == nil {
		t.Error("expected error without an address")
	}
}
