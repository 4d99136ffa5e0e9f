package types

type AuthProviderType string

const (
	AuthProviderFirebase    AuthProviderType = "firebase"
	AuthProviderSupertokens AuthProviderType = "supertokens"
	AuthProviderKeycloak    AuthProviderType = "keycloak"
	AuthProviderOIDC        AuthProviderType = "oidc"
)

// AuthUser is the identity resolved from a verified identity token
type AuthUser struct {
	ID           string           `json:"id"`
	Email        string           `json:"email,omitempty"`
	Phone        string           `json:"phone,omitempty"`
	ProviderType AuthProviderType `json:"providerType"`
}

// ContactMethod returns the contact method the user key record is keyed by
func (u *AuthUser) ContactMethod() (ContactMethod, bool) {
	if u.Email != "" {
		return ContactMethod{Type: ContactMethodEmail, Value: u.Email}, true
	}
	if u.Phone != "" {
		return ContactMethod{Type: ContactMethodPhone, Value: u.Phone}, true
	}
	return ContactMethod{}, false
}

// Link returns the provider link of the user
func (u *AuthUser) Link() AuthProviderLink {
	return AuthProviderLink{Type: u.ProviderType, ID: u.ID}
}

// Identity is the authenticated caller of a key API request
type Identity struct {
	User *AuthUser
	// HolderDID is the DID proven by a verified holder proof (empty if none was sent)
	HolderDID string
}
