package config

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/vault/api"
	"github.com/ruteri/coaching-backup/interfaces"
)

// StaticCredentials serves credentials from inline configuration, a PEM key file or a
// Google service-account JSON file. Files are re-read on every call.
type StaticCredentials struct {
	inline          interfaces.Credentials
	privateKeyFile  string
	credentialsFile string
}

// NewStaticCredentials creates a provider from the remote section.
func NewStaticCredentials(rc RemoteConfig) *StaticCredentials {
	return &StaticCredentials{
		inline: interfaces.Credentials{
			ProjectID:    rc.ProjectID,
			ClientEmail:  rc.ClientEmail,
			PrivateKeyID: rc.PrivateKeyID,
			PrivateKey:   rc.PrivateKey,
			Scopes:       rc.Scopes,
		},
		privateKeyFile:  rc.PrivateKeyFile,
		credentialsFile: rc.CredentialsFile,
	}
}

type serviceAccountKey struct {
	Type         string `json:"type"`
	ProjectID    string `json:"project_id"`
	PrivateKeyID string `json:"private_key_id"`
	PrivateKey   string `json:"private_key"`
	ClientEmail  string `json:"client_email"`
}

func (p *StaticCredentials) Credentials(ctx context.Context) (interfaces.Credentials, error) {
	creds := p.inline

	if p.credentialsFile != "" {
		data, err := os.ReadFile(p.credentialsFile)
		if err != nil {
			return interfaces.Credentials{}, fmt.Errorf("%w: reading credentials file: %v", interfaces.ErrAuth, err)
		}
		var key serviceAccountKey
		if err := json.Unmarshal(data, &key); err != nil {
			return interfaces.Credentials{}, fmt.Errorf("%w: parsing credentials file: %v", interfaces.ErrAuth, err)
		}
		if key.Type != "" && key.Type != "service_account" {
			return interfaces.Credentials{}, fmt.Errorf("%w: credentials file has type %q, want service_account", interfaces.ErrAuth, key.Type)
		}
		creds.ProjectID = key.ProjectID
		creds.PrivateKeyID = key.PrivateKeyID
		creds.PrivateKey = key.PrivateKey
		creds.ClientEmail = key.ClientEmail
	}

	if p.privateKeyFile != "" {
		data, err := os.ReadFile(p.privateKeyFile)
		if err != nil {
			return interfaces.Credentials{}, fmt.Errorf("%w: reading private key file: %v", interfaces.ErrAuth, err)
		}
		creds.PrivateKey = string(data)
	}

	if creds.ClientEmail == "" || creds.PrivateKey == "" {
		return interfaces.Credentials{}, fmt.Errorf("%w: client email and private key are required", interfaces.ErrAuth)
	}
	return creds, nil
}

// VaultCredentials reads credentials from a Vault KV v2 secret with the keys
// project_id, client_email, private_key_id and private_key. The secret is cached
// until Refresh or until ttl has passed.
type VaultCredentials struct {
	client *api.Client
	path   string
	scopes []string
	ttl    time.Duration
	log    *slog.Logger

	mu       sync.Mutex
	cached   *interfaces.Credentials
	cachedAt time.Time
}

// DefaultVaultCacheTTL bounds how long a secret read from Vault is reused.
const DefaultVaultCacheTTL = 5 * time.Minute

// NewVaultCredentials creates a Vault-backed provider. path is the full API path of
// the secret, e.g. "secret/data/coaching/drive".
func NewVaultCredentials(address, path string, scopes []string, log *slog.Logger) (*VaultCredentials, error) {
	config := api.DefaultConfig()
	config.Address = address
	config.Timeout = 30 * time.Second

	client, err := api.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}

	return &VaultCredentials{
		client: client,
		path:   strings.Trim(path, "/"),
		scopes: scopes,
		ttl:    DefaultVaultCacheTTL,
		log:    log,
	}, nil
}

func (v *VaultCredentials) Credentials(ctx context.Context) (interfaces.Credentials, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.cached != nil && time.Since(v.cachedAt) < v.ttl {
		return *v.cached, nil
	}

	secret, err := v.client.Logical().ReadWithContext(ctx, v.path)
	if err != nil {
		v.log.Warn("Failed to read credentials from Vault", "path", v.path, "err", err)
		return interfaces.Credentials{}, fmt.Errorf("%w: vault read %s: %v", interfaces.ErrTransientNetwork, v.path, err)
	}
	if secret == nil || secret.Data == nil {
		return interfaces.Credentials{}, fmt.Errorf("%w: no credentials at vault path %s", interfaces.ErrAuth, v.path)
	}

	creds, err := credentialsFromKV(secret.Data, v.scopes)
	if err != nil {
		return interfaces.Credentials{}, err
	}

	v.cached = &creds
	v.cachedAt = time.Now()
	return creds, nil
}

// Refresh drops the cached secret so the next call reads Vault again.
func (v *VaultCredentials) Refresh() {
	v.mu.Lock()
	v.cached = nil
	v.mu.Unlock()
}

// credentialsFromKV extracts credentials from a KV v2 response, where the secret
// itself lives under the "data" key.
func credentialsFromKV(raw map[string]interface{}, scopes []string) (interfaces.Credentials, error) {
	data, ok := raw["data"].(map[string]interface{})
	if !ok {
		return interfaces.Credentials{}, fmt.Errorf("%w: vault secret is not a KV v2 secret", interfaces.ErrAuth)
	}

	str := func(key string) string {
		s, _ := data[key].(string)
		return s
	}

	creds := interfaces.Credentials{
		ProjectID:    str("project_id"),
		ClientEmail:  str("client_email"),
		PrivateKeyID: str("private_key_id"),
		PrivateKey:   str("private_key"),
		Scopes:       scopes,
	}
	if creds.ClientEmail == "" || creds.PrivateKey == "" {
		return interfaces.Credentials{}, fmt.Errorf("%w: vault secret lacks client_email or private_key", interfaces.ErrAuth)
	}
	return creds, nil
}

// NewCredentialsProvider picks Vault when configured, static sources otherwise.
func NewCredentialsProvider(rc RemoteConfig, log *slog.Logger) (interfaces.CredentialsProvider, error) {
	if rc.VaultAddress != "" {
		return NewVaultCredentials(rc.VaultAddress, rc.VaultPath, rc.Scopes, log)
	}
	return NewStaticCredentials(rc), nil
}
