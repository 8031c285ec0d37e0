package feed

import "io"

// closer returns a function that closes c, discarding the error.
// Use with defer for read-only files and decompressors where a close
// error carries no information.
func closer(c io.Closer) func() {
	return func() { _ = c.Close() }
}
