// Package fifo writes single newline-terminated commands to the talon
// controller's named pipes. It never blocks indefinitely: the pipe is
// opened non-blocking and the controller is expected to keep a reader
// attached to drain it.
package fifo

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// Names of the two named pipes talond is allowed to write.
const (
	Telescope = "Tel.in"
	Focus     = "Focus.in"
)

// Writer appends commands to named pipes rooted at Dir.
type Writer struct {
	Dir string
}

// New returns a Writer rooted at dir, the controller's communication
// directory ("/usr/local/telescope/comm" by default).
func New(dir string) *Writer {
	return &Writer{Dir: dir}
}

// Write opens name (one of Telescope, Focus) write-only and non-creating,
// appends cmd plus a trailing newline, and closes. It returns an error if
// the pipe does not exist or cannot accept a writer; it never blocks
// waiting for a reader beyond what the OS open(2) call itself blocks on.
func (w *Writer) Write(name, cmd string) error {
	path := filepath.Join(w.Dir, name)

	fd, err := unix.Open(path, unix.O_WRONLY|unix.O_NONBLOCK, 0)
	if err != nil {
		return fmt.Errorf("fifo: open %s: %w", path, err)
	}
	f := os.NewFile(uintptr(fd), path)
	defer f.Close()

	if _, err := f.WriteString(cmd + "\n"); err != nil {
		return fmt.Errorf("fifo: write %s: %w", path, err)
	}
	return nil
}
