//go:build !unix

package ledger

import "os"

// lockFile is a no-op where flock(2) is unavailable; a single writer per
// journal is then the caller's responsibility.
func lockFile(*os.File) error { return nil }
