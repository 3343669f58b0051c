package user

import "time"

// OAuthToken is the provider credential kept for the allow-listed user.
type OAuthToken struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	ExpiresAt    time.Time
}
