package util

import (
	"regexp"
)

var (
	uuidRegex    = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)
	actorIDRegex = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)
)

func IsValidUUID(s string) bool {
	if s == "" {
		return false
	}
	return uuidRegex.MatchString(s)
}

// IsValidActorID accepts the ids embedded in actor tokens and media room
// identities.
func IsValidActorID(s string) bool {
	return actorIDRegex.MatchString(s)
}
