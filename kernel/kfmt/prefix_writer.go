package kfmt

import "io"

// PrefixWriter is an io.Writer that wraps another io.Writer and injects a
// prefix at the beginning of each line. Loggers use it to tag every line of a
// multi-line message with the owning module name.
type PrefixWriter struct {
	// A writer where all writes get sent to.
	Sink io.Writer

	// The prefix injected at the beginning of each line.
	Prefix []byte

	// bytesAfterPrefix is zero when the next byte starts a new line.
	bytesAfterPrefix int
}

// Write writes len(p) bytes from p to the underlying data stream. The injected
// prefix is not included in the number of written bytes returned by this
// method.
func (w *PrefixWriter) Write(p []byte) (int, error) {
	var written int

	for len(p) > 0 {
		if w.bytesAfterPrefix == 0 {
			if _, err := w.Sink.Write(w.Prefix); err != nil {
				return written, err
			}
		}

		// emit up to and including the next line feed
		lineLen := len(p)
		for i, b := range p {
			if b == '\n' {
				lineLen = i + 1
				break
			}
		}

		n, err := w.Sink.Write(p[:lineLen])
		written += n
		if err != nil {
			return written, err
		}

		if p[lineLen-1] == '\n' {
			w.bytesAfterPrefix = 0
		} else {
			w.bytesAfterPrefix += n
		}
		p = p[lineLen:]
	}

	return written, nil
}
