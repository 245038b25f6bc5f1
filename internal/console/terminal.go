package console

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"syscall"

	"github.com/pkg/term/termios"
)

// RawTerminal switches a terminal into raw mode (Enter) and back to its
// original attributes (Restore). It only changes terminal attributes: it
// does no line editing or Ctrl-C handling of its own, and RunREPL does
// not use it.
type RawTerminal struct {
	fd      uintptr
	canAttr syscall.Termios
	rawAttr syscall.Termios
}

// NewRawTerminal captures the current terminal attributes of f and
// computes the raw-mode attributes to switch to. It does not yet put
// the terminal into raw mode; call Enter for that.
func NewRawTerminal(f *os.File) (*RawTerminal, error) {
	t := &RawTerminal{fd: f.Fd()}
	if err := termios.Tcgetattr(t.fd, &t.canAttr); err != nil {
		return nil, fmt.Errorf("console: reading terminal attributes: %w", err)
	}
	t.rawAttr = t.canAttr
	termios.Cfmakeraw(&t.rawAttr)
	return t, nil
}

// Enter switches the terminal into raw mode.
func (t *RawTerminal) Enter() error {
	return termios.Tcsetattr(t.fd, termios.TCIFLUSH, &t.rawAttr)
}

// Restore returns the terminal to its original (canonical) mode. Safe to
// call from a deferred cleanup even if Enter was never called.
func (t *RawTerminal) Restore() error {
	return termios.Tcsetattr(t.fd, termios.TCIFLUSH, &t.canAttr)
}

// RunREPL reads newline-terminated commands from r and writes prompts
// and responses to w, dispatching each line against console until r is
// exhausted or a "quit" or "exit" command is read. It reads lines with
// a bufio.Scanner over r and does no terminal handling of its own.
func RunREPL(r io.Reader, w io.Writer, c *Console) error {
	scanner := bufio.NewScanner(r)
	for {
		fmt.Fprint(w, "tracereplay> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := scanner.Text()
		if line == "quit" || line == "exit" {
			return nil
		}
		fmt.Fprintln(w, c.Dispatch(line))
	}
}
