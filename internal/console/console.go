// Package console wires a host terminal to the emulator's UART: raw-mode
// passthrough for interactive keystrokes, plus an off-screen VT mirror so a
// debug session can dump the guest's current screen contents without
// disturbing what is actually written to the terminal.
package console

import (
	"io"
	"os"
	"os/signal"

	"github.com/charmbracelet/x/vt"
	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

// Console is an io.Reader/io.Writer pair suitable for UART Input/Output: it
// reads raw keystrokes from stdin and writes guest console bytes to stdout,
// while mirroring everything written into an 80x24 VT emulator for
// inspection (Screen).
type Console struct {
	in  *os.File
	out *os.File

	oldState *term.State
	raw      bool

	mirror *vt.SafeEmulator

	resizeCh chan os.Signal
	done     chan struct{}
}

// New opens a Console over stdin/stdout. If stdin is a terminal it is put
// into raw mode so the guest sees keystrokes byte-for-byte (no host-side
// line editing or signal generation); Close restores the original mode.
func New() (*Console, error) {
	c := &Console{
		in:     os.Stdin,
		out:    os.Stdout,
		mirror: vt.NewSafeEmulator(80, 24),
	}

	if term.IsTerminal(int(c.in.Fd())) {
		oldState, err := term.MakeRaw(int(c.in.Fd()))
		if err != nil {
			return nil, err
		}
		c.oldState = oldState
		c.raw = true

		if w, h, err := term.GetSize(int(c.out.Fd())); err == nil && w > 0 && h > 0 {
			c.mirror.Resize(w, h)
		}

		c.resizeCh = make(chan os.Signal, 1)
		c.done = make(chan struct{})
		signal.Notify(c.resizeCh, unix.SIGWINCH)
		go c.watchResize()
	}

	return c, nil
}

func (c *Console) watchResize() {
	for {
		select {
		case <-c.resizeCh:
			if ws, err := unix.IoctlGetWinsize(int(c.out.Fd()), unix.TIOCGWINSZ); err == nil {
				c.mirror.Resize(int(ws.Col), int(ws.Row))
			}
		case <-c.done:
			return
		}
	}
}

// Read implements io.Reader, returning raw keystrokes for the UART's input
// buffer.
func (c *Console) Read(p []byte) (int, error) {
	return c.in.Read(p)
}

// Write implements io.Writer: every byte the UART transmits lands on stdout
// and is also fed to the VT mirror.
func (c *Console) Write(p []byte) (int, error) {
	n, err := c.out.Write(p)
	if n > 0 {
		_, _ = c.mirror.Write(p[:n])
	}
	return n, err
}

// Screen renders the VT mirror's current contents as plain text, one line
// per row, for a debug dump.
func (c *Console) Screen() string {
	cols, rows := c.mirror.Width(), c.mirror.Height()
	var sb []byte
	for y := 0; y < rows; y++ {
		for x := 0; x < cols; x++ {
			cell := c.mirror.CellAt(x, y)
			if cell == nil || cell.Content == "" {
				sb = append(sb, ' ')
				continue
			}
			sb = append(sb, cell.Content...)
		}
		sb = append(sb, '\n')
	}
	return string(sb)
}

// Close restores the terminal's original mode, if it was changed.
func (c *Console) Close() error {
	if c.done != nil {
		close(c.done)
	}
	if c.raw && c.oldState != nil {
		return term.Restore(int(c.in.Fd()), c.oldState)
	}
	return nil
}

var _ io.ReadWriter = (*Console)(nil)
