package config

import "strings"

// maskSecret keeps the first and last four characters of a secret and
// replaces the middle with asterisks. Short secrets are masked entirely.
func maskSecret(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) < 8 {
		return "***"
	}
	return secret[:4] + strings.Repeat("*", len(secret)-8) + secret[len(secret)-4:]
}

// MaskAPIKey masks an API key for display in errors and logs.
func MaskAPIKey(apiKey string) string {
	return maskSecret(apiKey)
}

// MaskTelegramToken masks a Telegram token, keeping the bot id visible
// for diagnostics.
func MaskTelegramToken(token string) string {
	if token == "" {
		return ""
	}
	botID, rest, ok := strings.Cut(token, ":")
	if !ok {
		return maskSecret(token)
	}
	return botID + ":" + maskSecret(rest)
}
