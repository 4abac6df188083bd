package domain

import "time"

// Contract is the partial view of a rental contract relevant to the linking
// flow. TenantIDs is append-only from this protocol's perspective: a
// confirmation appends exactly one id, a decline appends none.
type Contract struct {
	ID         string
	LandlordID string
	TenantIDs  []string
}

// HasTenant reports whether the contract already lists the given tenant.
func (c Contract) HasTenant(tenantID string) bool {
	for _, id := range c.TenantIDs {
		if id == tenantID {
			return true
		}
	}
	return false
}

// PendingJoinRequest is the landlord-side read projection of a scanned
// session. The display fields are denormalized for presentation and are not
// authoritative.
type PendingJoinRequest struct {
	SessionID       string
	TenantID        string
	TenantName      string
	TenantAvatarURL string
	ScannedAt       time.Time
}

// UserProfile is the subset of a user record the linking flow denormalizes
// into pending join requests.
type UserProfile struct {
	ID        string
	Name      string
	AvatarURL string
}
