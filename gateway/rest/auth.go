package rest

import (
	"context"
	"net/http"
	"time"

	"golang.org/x/oauth2/clientcredentials"
)

// AuthConfig holds the client-credentials grant used to talk to the
// gateway. Tokens refresh transparently.
type AuthConfig struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scopes       []string
}

// NewAuthClient returns an http.Client that injects and refreshes the
// bearer token on every request.
func NewAuthClient(ctx context.Context, cfg AuthConfig) *http.Client {
	cc := clientcredentials.Config{
		TokenURL:     cfg.TokenURL,
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Scopes:       cfg.Scopes,
	}
	client := cc.Client(ctx)
	client.Timeout = 5 * time.Minute
	return client
}
