package provider

import (
	"golang.org/x/oauth2"
)

// DefaultTokenURL is the provider's refresh endpoint.
const DefaultTokenURL = "https://passportapi.115.com/open/refreshToken"

// Endpoint identifies the refresh endpoint and the client using it.
type Endpoint struct {
	TokenURL string
	// ClientID and ClientSecret are sent as request parameters when set.
	ClientID     string
	ClientSecret string
}

func (e Endpoint) oauth2Config() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     e.ClientID,
		ClientSecret: e.ClientSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL:  e.TokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}
