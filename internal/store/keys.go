package store

// Key prefixes shared by every component touching the store.
const (
	ValidationPrefix    = "auth:validation:"
	StoppedPrefix       = "auth:stopped:"
	APIKeyPrefix        = "apikey:"
	SessionPrefix       = "session:"
	ProfilePrefix       = "xano_auth_token:"
	LegacyProfilePrefix = "token:"
	RefreshTokenPrefix  = "refresh:"
	UsageQueuePrefix    = "usage:queue:"
)

func ValidationKey(credentialID string) string { return ValidationPrefix + credentialID }

func StoppedKey(credentialID string) string { return StoppedPrefix + credentialID }

func APIKeyKey(token string) string { return APIKeyPrefix + token }

func SessionKey(sessionID string) string { return SessionPrefix + sessionID }

func ProfileKey(userID string) string { return ProfilePrefix + userID }
