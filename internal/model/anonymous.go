package model

// Anonymous user constants.
// Requests without a credential act on behalf of this well-known user.
const (
	// AnonymousUserID is the reserved user ID for unauthenticated access.
	// This user is created during database seeding.
	AnonymousUserID = "00000000-0000-0000-0000-000000000001"

	// AnonymousUsername is the username of the anonymous user.
	AnonymousUsername = "anonymous"
)

// NewAnonymousUser creates the anonymous user model. It has no password
// digest and therefore can never log in.
func NewAnonymousUser() *User {
	return &User{
		ID:       AnonymousUserID,
		Username: AnonymousUsername,
		Status:   UserEnabled,
	}
}
