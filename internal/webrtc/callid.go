package webrtc

import "strings"

// CallID derives the stable id of a one-to-one call between two users.
// The participants are sorted so both sides compute the same id no matter
// who initiates.
func CallID(userA, userB string) string {
	if userB < userA {
		userA, userB = userB, userA
	}
	return "p/" + userA + "@" + userB
}

// GroupCallID derives the id of a group call from its owner group id.
func GroupCallID(groupID string) string {
	return "g/" + groupID
}

// IsGroupCallID reports whether id addresses a group call.
func IsGroupCallID(id string) bool {
	return strings.HasPrefix(id, "g/")
}
