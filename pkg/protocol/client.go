package protocol

import (
	"bufio"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
)

// DefaultSocketName is the well-known socket file name under the OS temp
// directory. Only one coordinator can bind it at a time.
const DefaultSocketName = "rekindle.sock"

// DefaultSocketPath returns the well-known coordinator socket path.
func DefaultSocketPath() string {
	return filepath.Join(os.TempDir(), DefaultSocketName)
}

// Dial connects to the coordinator at socketPath (the default path when
// empty).
func Dial(socketPath string) (net.Conn, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath()
	}
	return net.Dial("unix", socketPath)
}

// ReadMessages reads newline-delimited messages from r and invokes handler
// for each, in receive order. Lines that fail to deserialize are skipped.
// The loop ends when the reader fails with anything other than a
// would-block condition; io.EOF is reported as nil.
func ReadMessages(r io.Reader, handler func(Message)) error {
	br := bufio.NewReader(r)
	var partial []byte
	deliver := func() {
		if len(partial) == 0 {
			return
		}
		if msg, err := Decode(partial); err == nil {
			handler(msg)
		}
		partial = partial[:0]
	}

	for {
		chunk, err := br.ReadBytes('\n')
		partial = append(partial, chunk...)
		if len(partial) > 0 && partial[len(partial)-1] == '\n' {
			deliver()
		}
		if err != nil {
			if wouldBlock(err) {
				continue
			}
			if errors.Is(err, io.EOF) {
				deliver()
				return nil
			}
			return err
		}
	}
}

// wouldBlock reports whether err is a transient would-block condition on a
// non-blocking or deadline-carrying transport.
func wouldBlock(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
