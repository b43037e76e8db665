// Package mediacache holds the types shared by the encrypted media cache
// packages: BLAKE3 digests, object identifiers and the error taxonomy.
package mediacache

import (
	"context"
	"errors"
)

// Availability, lookup and capacity errors.
var (
	// ErrUnavailable is returned when a storage backend is not present.
	// Callers degrade gracefully rather than failing the user action.
	ErrUnavailable = errors.New("backend unavailable")

	// ErrNotFound is returned when a staged, cached or credential entry is absent.
	ErrNotFound = errors.New("not found")

	// ErrQuotaExceeded is returned when a write would exceed the storage quota.
	ErrQuotaExceeded = errors.New("storage quota exceeded")

	// ErrCorrupted is returned when a stored payload fails its length or digest check.
	// Callers should re-fetch rather than retry the read.
	ErrCorrupted = errors.New("stored content corrupted")

	// ErrTooLarge is returned when an object cannot be decrypted within the memory budget.
	ErrTooLarge = errors.New("object too large for available memory")

	// ErrInvalidObjectID is returned for identifiers that are not path safe.
	ErrInvalidObjectID = errors.New("invalid object id")

	// ErrWalletMismatch is returned when an import document belongs to another identity.
	ErrWalletMismatch = errors.New("wallet mismatch")
)

// Authentication errors. Each maps to a distinct user-facing message.
var (
	// ErrUnauthorized is returned when the identity may not decrypt the object.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrSessionExpired is returned when the signed auth session is no longer valid.
	ErrSessionExpired = errors.New("session expired")

	// ErrUserRejected is returned when the user declines an interactive signature.
	ErrUserRejected = errors.New("user rejected request")

	// ErrNetwork is returned when a remote call fails in transit.
	ErrNetwork = errors.New("network error")
)

// UserMessage maps an error to the message shown to the user.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.Canceled):
		return "Playback was cancelled."
	case errors.Is(err, ErrUserRejected):
		return "Signature request was rejected. Sign the request to unlock this video."
	case errors.Is(err, ErrSessionExpired):
		return "Your session has expired. Please sign in again."
	case errors.Is(err, ErrUnauthorized):
		return "You do not have access to this video."
	case errors.Is(err, ErrNetwork):
		return "Network error while unlocking the video. Check your connection and try again."
	case errors.Is(err, ErrQuotaExceeded):
		return "Storage is full. Clear cached videos to free space."
	case errors.Is(err, ErrTooLarge):
		return "This video is too large to play on this device."
	case errors.Is(err, ErrCorrupted):
		return "Cached video is damaged and will be downloaded again."
	case errors.Is(err, ErrWalletMismatch):
		return "This backup belongs to a different wallet."
	default:
		return "Something went wrong while loading the video."
	}
}
