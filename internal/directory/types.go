package directory

// User statuses as reported by the directory service.
const (
	StatusActive   = "active"
	StatusInactive = "inactive"
)

// UserTypePerson filters out machine principals when listing users.
const UserTypePerson = "person"

// User is a user record held by the remote directory. The ID is assigned
// remotely on creation; the email is the only cross-system join key.
type User struct {
	ID             int64  `json:"id"`
	Email          string `json:"email"`
	Status         string `json:"status"`
	FirstName      string `json:"first_name"`
	LastName       string `json:"last_name"`
	OrganizationID int64  `json:"organization_id"`
	Avatar         string `json:"avatar,omitempty"`
	Type           string `json:"type,omitempty"`
	Provider       string `json:"provider,omitempty"`
}

// Paging echoes the offset/limit window of a user page.
type Paging struct {
	Offset int `json:"offset"`
	Limit  int `json:"limit"`
}

// UserPage is one page of a paginated user listing.
type UserPage struct {
	Paging  Paging `json:"paging"`
	Results []User `json:"results"`
}

// Role describes an assignable role in the authorization service.
type Role struct {
	ID             int64    `json:"id"`
	Name           string   `json:"name"`
	Slug           string   `json:"slug"`
	Level          string   `json:"level,omitempty"`
	Description    string   `json:"description"`
	CanAssignRoles []string `json:"can_assign_roles,omitempty"`
}

// Grant is a (user, scope, role) triple recorded remotely with its own ID.
// The wire field for the scope is "nrn" (namespace resource name).
type Grant struct {
	ID    int64  `json:"id"`
	Scope string `json:"nrn"`
	Role  Role   `json:"role"`
}

// GrantSet groups the grants held by a single user.
type GrantSet struct {
	UserID int64   `json:"user_id"`
	Grants []Grant `json:"grants"`
}

// tokenResponse is the payload returned by the token endpoint.
type tokenResponse struct {
	AccessToken    string `json:"access_token"`
	RefreshToken   string `json:"refresh_token"`
	TokenExpiresAt int64  `json:"token_expires_at"` // milliseconds since epoch
	OrganizationID int64  `json:"organization_id"`
	AccountID      int64  `json:"account_id"`
}
