package broadcast

import (
	"errors"
	"fmt"
)

var (
	// ErrConfig marks a malformed broadcast definition. It is fatal to the
	// affected loop only.
	ErrConfig = errors.New("invalid broadcast configuration")

	// ErrFetch marks a collaborator lookup (users, plans, definitions) that failed.
	ErrFetch = errors.New("fetch failed")

	// ErrRecipient marks a failure isolated to one user of a dispatch.
	ErrRecipient = errors.New("recipient failed")

	// ErrClosed is returned by Registry.Start after Shutdown.
	ErrClosed = errors.New("registry closed")
)

// ConfigError wraps err as a configuration error.
func ConfigError(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrConfig, err)
}

// FetchError wraps err as a failed collaborator lookup named op.
func FetchError(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %w", ErrFetch, op, err)
}

func IsConfig(err error) bool { return errors.Is(err, ErrConfig) }

func IsFetch(err error) bool { return errors.Is(err, ErrFetch) }

func recipientError(userID int64, step string, err error) error {
	return fmt.Errorf("%w: user %d: %s: %w", ErrRecipient, userID, step, err)
}
