package users

import "time"

// User is an authenticated identity. The organization ID scopes everything the
// user owns; workspace members share it.
type User struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organizationId"`
	Email          string    `json:"email"`
	FullName       string    `json:"fullName"`
	GivenName      string    `json:"givenName"`
	FamilyName     string    `json:"familyName"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}
