package types

import "time"

// Credential is the bearer credential issued by the SunSynk token endpoint.
// It is only ever replaced whole.
type Credential struct {
	AccessToken  string
	RefreshToken string
	IssuedAt     time.Time
	ExpiresIn    time.Duration
}

// Remaining returns how long the access token stays valid after now. A zero
// credential is already expired.
func (c Credential) Remaining(now time.Time) time.Duration {
	if c.IssuedAt.IsZero() {
		return 0
	}
	return c.IssuedAt.Add(c.ExpiresIn).Sub(now)
}

// Valid reports whether the credential carries an access token.
func (c Credential) Valid() bool {
	return c.AccessToken != ""
}
