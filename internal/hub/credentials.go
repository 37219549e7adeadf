package hub

import "context"

// Credentials hold what is needed to open one authenticated session.
type Credentials struct {
	URL   string
	Token string
}

// CredentialSource supplies credentials asynchronously. Where they are stored
// (config file, local cache, account service) is the implementation's
// concern; the client only cares that they may be absent.
type CredentialSource interface {
	Credentials(ctx context.Context) (*Credentials, error)
}

// StaticCredentials is a CredentialSource returning a fixed pair.
type StaticCredentials Credentials

// Credentials implements CredentialSource.
func (s StaticCredentials) Credentials(ctx context.Context) (*Credentials, error) {
	if s.URL == "" {
		return nil, ErrInvalidURL
	}
	if s.Token == "" {
		return nil, ErrMissingToken
	}
	c := Credentials(s)
	return &c, nil
}
