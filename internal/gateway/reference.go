package gateway

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

const referencePrefix = "deposit"

// NewReference builds deposit_<user id>_<unix millis>.
func NewReference(userID uuid.UUID, millis int64) string {
	return fmt.Sprintf("%s_%s_%d", referencePrefix, userID, millis)
}

// ParseReference recovers the user id and timestamp. The reference is a
// correlation token only; callers must verify the callback signature first.
func ParseReference(reference string) (uuid.UUID, int64, error) {
	parts := strings.Split(reference, "_")
	if len(parts) != 3 || parts[0] != referencePrefix {
		return uuid.Nil, 0, ErrInvalidReference
	}

	userID, err := uuid.Parse(parts[1])
	if err != nil || userID.String() != parts[1] {
		return uuid.Nil, 0, ErrInvalidReference
	}

	millis, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil || millis <= 0 {
		return uuid.Nil, 0, ErrInvalidReference
	}
	return userID, millis, nil
}
