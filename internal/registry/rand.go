package registry

import "crypto/rand"

// randFill fills b with cryptographically random bytes. A failure here
// (practically never, on any real OS) leaves b as whatever crypto/rand
// partially wrote, which is still fine entropy for a subdomain.
func randFill(b []byte) {
	_, _ = rand.Read(b)
}
