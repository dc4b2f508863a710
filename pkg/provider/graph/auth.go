package graph

import (
	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
)

// newClientSecretCredential builds the azcore.TokenCredential the Graph SDK
// needs for app-only auth, using azidentity's client-credentials flow
// for tenantID.
func newClientSecretCredential(tenantID, clientID, clientSecret string) (azcore.TokenCredential, error) {
	return azidentity.NewClientSecretCredential(tenantID, clientID, clientSecret, nil)
}
