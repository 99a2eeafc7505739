// Package token provides the at-rest hashing of opaque identity tokens.
//
// Without a key tokens are stored as SHA-256(token). With a key
// (TRENDNET_TOKEN_HMAC_KEY, at least 32 bytes) they are stored as
// HMAC-SHA256(token, key), so a leaked table cannot be checked offline
// against guessed tokens.
package token
