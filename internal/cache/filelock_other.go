//go:build !unix

package cache

// Without flock the in-process mutex in FileBackend is the only serialisation.
func lockFile(string) (func(), error) {
	return func() {}, nil
}
