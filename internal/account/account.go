package account

import (
	"encoding/json"
	"time"
)

// Account stores the OAuth identity and tokens for one linked mailbox.
type Account struct {
	ID           string    `json:"id"` // UUID, assigned at creation, never reused
	Provider     string    `json:"provider"`
	Email        string    `json:"email"`
	DisplayName  string    `json:"display_name"`
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	LinkedAt     time.Time `json:"linked_at"`
}

// IsExpired reports whether the access token has passed its expiry.
func (a Account) IsExpired() bool {
	return !time.Now().Before(a.ExpiresAt)
}

// ExpiresWithin reports whether the access token expires before now+d.
func (a Account) ExpiresWithin(d time.Duration) bool {
	return a.ExpiresAt.Before(time.Now().Add(d))
}

// Marshal serializes the account for vault storage.
func Marshal(a Account) ([]byte, error) {
	return json.Marshal(a)
}

// Unmarshal deserializes a vault blob back into an account.
func Unmarshal(data []byte) (Account, error) {
	var a Account
	err := json.Unmarshal(data, &a)
	return a, err
}

// Redacted returns a copy safe to expose over the local API: token material
// is masked, expiry and identity fields are kept.
func (a Account) Redacted() Account {
	a.AccessToken = maskToken(a.AccessToken)
	a.RefreshToken = ""
	return a
}

func maskToken(t string) string {
	if len(t) < 20 {
		return ""
	}
	return "..." + t[len(t)-8:]
}
