package realtime

// DirectChatID returns the canonical conversation key for a direct pair.
// It is order-independent: the same two identities always produce the same key
// regardless of who initiates.
func DirectChatID(userA, userB string) string {
	if userB < userA {
		userA, userB = userB, userA
	}
	return userA + "_" + userB
}
