//go:build !unix

package file

import "os"

// На платформах без flock остаётся только блокировка внутри процесса.
func lockFile(*os.File) error { return nil }

func unlockFile(*os.File) error { return nil }
