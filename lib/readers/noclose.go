package readers

import "io"

// NoCloser makes sure that the io.Reader passed in can't be closed by
// the caller it is passed to.
func NoCloser(in io.Reader) io.Reader {
	if in == nil {
		return in
	}
	// if in doesn't implement io.Closer then return it unchanged
	if _, canClose := in.(io.Closer); !canClose {
		return in
	}
	return struct{ io.Reader }{in}
}
