package secrets

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/security/keyvault/azsecrets"
)

type secretClient interface {
	GetSecret(ctx context.Context, name string, version string, options *azsecrets.GetSecretOptions) (azsecrets.GetSecretResponse, error)
}

// KeyVault reads the latest version of secrets from an Azure Key Vault.
type KeyVault struct {
	client secretClient
	url    string
}

// VaultURL is the data-plane endpoint of the named vault.
func VaultURL(vaultName string) string {
	return fmt.Sprintf("https://%s.vault.azure.net/", url.PathEscape(vaultName))
}

// NewKeyVault returns a provider for the named vault, authenticating with
// cred.
func NewKeyVault(vaultName string, cred azcore.TokenCredential) (*KeyVault, error) {
	if vaultName == "" {
		return nil, errors.New("secrets: key vault name is not set")
	}
	u := VaultURL(vaultName)
	client, err := azsecrets.NewClient(u, cred, nil)
	if err != nil {
		return nil, err
	}
	return &KeyVault{client: client, url: u}, nil
}

// URL is the vault endpoint.
func (k *KeyVault) URL() string { return k.url }

func (k *KeyVault) GetSecret(ctx context.Context, name string) (string, error) {
	resp, err := k.client.GetSecret(ctx, name, "", nil)
	if err != nil {
		var respErr *azcore.ResponseError
		if errors.As(err, &respErr) && respErr.StatusCode == http.StatusNotFound {
			return "", fmt.Errorf("%w: %s in %s", ErrNotFound, name, k.url)
		}
		return "", fmt.Errorf("secrets: get %s from %s: %w", name, k.url, err)
	}
	if resp.Value == nil {
		return "", fmt.Errorf("%w: %s has no value", ErrNotFound, name)
	}
	return *resp.Value, nil
}
