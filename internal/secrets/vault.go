// Package secrets stores the backup private key in HashiCorp Vault for
// daemon deployments where no user is present to type a recovery key.
package secrets

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/vault/api"

	"github.com/bel-os/keysafe/internal/security"
)

const recoveryKeyField = "recovery_key"

// VaultClient provides secure recovery-key custody via HashiCorp Vault
type VaultClient struct {
	client     *api.Client
	mountPath  string
	secretPath string
}

// NewVaultClient sets up a Vault client and verifies connectivity.
func NewVaultClient(vaultAddr, token, mountPath, secretPath string) (*VaultClient, error) {
	config := &api.Config{
		Address: vaultAddr,
	}

	client, err := api.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}

	client.SetToken(token)

	// Test connection
	if _, err = client.Sys().Health(); err != nil {
		return nil, fmt.Errorf("failed to connect to Vault: %w", err)
	}

	return &VaultClient{
		client:     client,
		mountPath:  mountPath,
		secretPath: secretPath,
	}, nil
}

// StoreRecoveryKey writes the recovery key for a backup version. The key is
// stored in its encoded form so an operator can also use it manually.
func (v *VaultClient) StoreRecoveryKey(versionID, recoveryKey string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := v.client.KVv2(v.mountPath).Put(ctx, v.secretPath+"/"+versionID, map[string]interface{}{
		recoveryKeyField: recoveryKey,
	})
	if err != nil {
		return fmt.Errorf("failed to store recovery key in Vault: %w", err)
	}
	return nil
}

// RecoveryKey reads the recovery key stored for a backup version.
func (v *VaultClient) RecoveryKey(versionID string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	secret, err := v.client.KVv2(v.mountPath).Get(ctx, v.secretPath+"/"+versionID)
	if err != nil {
		return "", fmt.Errorf("failed to retrieve recovery key from Vault: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return "", fmt.Errorf("no recovery key stored for version %s", versionID)
	}

	value, ok := secret.Data[recoveryKeyField].(string)
	if !ok {
		return "", fmt.Errorf("recovery key for version %s is not a string", versionID)
	}

	// Reject corrupted secrets early rather than at restore time.
	if _, err := security.DecodeRecoveryKey(value); err != nil {
		return "", fmt.Errorf("stored recovery key for version %s is malformed: %w", versionID, err)
	}
	return value, nil
}

// DeleteRecoveryKey removes the stored key for a deleted backup version.
func (v *VaultClient) DeleteRecoveryKey(versionID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := v.client.KVv2(v.mountPath).Delete(ctx, v.secretPath+"/"+versionID); err != nil {
		return fmt.Errorf("failed to delete recovery key from Vault: %w", err)
	}
	return nil
}
