package azauth

import (
	"context"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
)

// SQLScope is the Azure AD scope for Azure SQL Database.
const SQLScope = "https://database.windows.net/.default"

// Kind names an authentication mode.
type Kind int

const (
	KindManagedIdentity Kind = iota + 1
	KindTokenCredential
	KindAccessToken
)

func (k Kind) String() string {
	switch k {
	case KindManagedIdentity:
		return "managed-identity"
	case KindTokenCredential:
		return "token-credential"
	case KindAccessToken:
		return "access-token"
	default:
		return "unknown"
	}
}

// Descriptor is the authentication chosen for one connection attempt. It is
// implemented by ManagedIdentity, TokenCredential and ExplicitAccessToken only.
type Descriptor interface {
	Kind() Kind
	// Token returns the access token presented at login. The driver calls it
	// for every new physical connection.
	Token(ctx context.Context) (string, error)

	sealed()
}

// AccessToken is a bearer token and when it was obtained.
type AccessToken struct {
	Token      string
	AcquiredAt time.Time
	ExpiresOn  time.Time
}

// ManagedIdentity authenticates as the platform-assigned identity, or the
// user-assigned identity named by ClientID.
type ManagedIdentity struct {
	ClientID   string
	credential azcore.TokenCredential
}

func (ManagedIdentity) Kind() Kind { return KindManagedIdentity }

func (m ManagedIdentity) Token(ctx context.Context) (string, error) {
	return credentialToken(ctx, m.credential)
}

func (ManagedIdentity) sealed() {}

// TokenCredential defers to a credential chain; each new connection gets a
// fresh token so expiry is handled as connections are recycled.
type TokenCredential struct {
	Credential azcore.TokenCredential
}

func (TokenCredential) Kind() Kind { return KindTokenCredential }

func (t TokenCredential) Token(ctx context.Context) (string, error) {
	return credentialToken(ctx, t.Credential)
}

func (TokenCredential) sealed() {}

// ExplicitAccessToken presents a token fetched before the attempt started.
type ExplicitAccessToken struct {
	AccessToken AccessToken
}

func (ExplicitAccessToken) Kind() Kind { return KindAccessToken }

func (e ExplicitAccessToken) Token(context.Context) (string, error) {
	if e.AccessToken.Token == "" {
		return "", &TokenAcquisitionError{Kind: KindAccessToken}
	}
	return e.AccessToken.Token, nil
}

func (ExplicitAccessToken) sealed() {}

func credentialToken(ctx context.Context, cred azcore.TokenCredential) (string, error) {
	tk, err := fetch(ctx, cred)
	if err != nil {
		return "", err
	}
	return tk.Token, nil
}

func fetch(ctx context.Context, cred azcore.TokenCredential) (AccessToken, error) {
	if cred == nil {
		return AccessToken{}, &TokenAcquisitionError{Reason: "no credential configured"}
	}
	tk, err := cred.GetToken(ctx, policy.TokenRequestOptions{Scopes: []string{SQLScope}})
	if err != nil {
		return AccessToken{}, &TokenAcquisitionError{Err: err}
	}
	if tk.Token == "" {
		return AccessToken{}, &TokenAcquisitionError{Reason: "credential returned an empty token"}
	}
	return AccessToken{Token: tk.Token, AcquiredAt: time.Now(), ExpiresOn: tk.ExpiresOn}, nil
}
