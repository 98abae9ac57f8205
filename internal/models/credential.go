package models

import "time"

// TenantCredential is the persisted bearer credential pair for one tenant.
// The database row is the only source of truth; renewed values are written back before use.
type TenantCredential struct {
	TenantID     string    `json:"tenantId" db:"tenant_id"`
	AccessToken  string    `json:"-" db:"access_token"`
	RefreshToken string    `json:"-" db:"refresh_token"`
	ExpiresAt    time.Time `json:"expiresAt" db:"expires_at"`
	UpdatedAt    time.Time `json:"updatedAt" db:"updated_at"`
}

// Expired reports whether the access token is expired, or will be within skew
func (c *TenantCredential) Expired(now time.Time, skew time.Duration) bool {
	if c.ExpiresAt.IsZero() {
		return false
	}
	return !now.Add(skew).Before(c.ExpiresAt)
}
