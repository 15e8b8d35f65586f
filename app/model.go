package app

// TokenRequest is the issuance request body.
type TokenRequest struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	Scope        string `json:"scope,omitempty"`
	GrantType    string `json:"grant_type,omitempty"`
}

// TokenResponse is the issuance response body, also pushed verbatim to
// registered callback URLs.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
	Scope       string `json:"scope,omitempty"`
	IssuedAt    string `json:"issued_at,omitempty"`
}

// CallbackRegistrationRequest updates a client's callback URL and scopes.
type CallbackRegistrationRequest struct {
	ClientID     string   `json:"client_id"`
	ClientSecret string   `json:"client_secret"`
	CallbackURL  string   `json:"callback_url"`
	Scopes       []string `json:"scopes,omitempty"`
}

// CallbackRegistrationResponse acknowledges a registration.
type CallbackRegistrationResponse struct {
	ClientID    string `json:"client_id"`
	CallbackURL string `json:"callback_url"`
	Status      string `json:"status"`
	Message     string `json:"message"`
}

// PublicKeyResponse exposes the active verification key.
type PublicKeyResponse struct {
	PublicKey string `json:"public_key"`
	Algorithm string `json:"algorithm"`
	KeyID     string `json:"key_id"`
}

// RevokeRequest names a credential to blacklist.
type RevokeRequest struct {
	Token         string `json:"token"`
	TokenTypeHint string `json:"token_type_hint,omitempty"`
}

// RevokeResponse reports the outcome of a revocation.
type RevokeResponse struct {
	Revoked bool   `json:"revoked"`
	Message string `json:"message"`
}
