// Package proc owns the controlling shell process of each session: spawning
// it on a pseudo-terminal, feeding it input, resizing it, and restarting it
// on demand.
package proc

import (
	"os"
	"os/exec"
	"sync"

	"github.com/creack/pty"
)

// PTY wraps a pseudo-terminal for shell interaction.
type PTY struct {
	cmd  *exec.Cmd
	file *os.File
	mu   sync.Mutex
}

// SpawnPTY starts name with args on a new pseudo-terminal of the given
// size. Spawning with a real size matters: programs that query the terminal
// on startup render nothing against a 0x0 grid.
func SpawnPTY(cols, rows int, name string, args ...string) (*PTY, error) {
	if name == "" {
		name = os.Getenv("SHELL")
		if name == "" {
			name = "/bin/zsh"
		}
	}
	cmd := exec.Command(name, args...)
	cmd.Env = append(os.Environ(),
		"TERM=xterm-256color",
		"COLORTERM=truecolor",
	)

	if cols <= 0 {
		cols = 80
	}
	if rows <= 0 {
		rows = 24
	}
	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{
		Cols: uint16(cols),
		Rows: uint16(rows),
	})
	if err != nil {
		return nil, err
	}

	return &PTY{
		cmd:  cmd,
		file: ptmx,
	}, nil
}

// Read reads from the PTY.
func (p *PTY) Read(buf []byte) (int, error) {
	return p.file.Read(buf)
}

// Write writes to the PTY.
func (p *PTY) Write(data []byte) (int, error) {
	return p.file.Write(data)
}

// Resize changes the PTY window size.
func (p *PTY) Resize(cols, rows uint16) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return pty.Setsize(p.file, &pty.Winsize{
		Cols: cols,
		Rows: rows,
	})
}

// Wait blocks until the process exits.
func (p *PTY) Wait() error {
	return p.cmd.Wait()
}

// Close terminates the process and releases the terminal.
func (p *PTY) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cmd.Process != nil {
		p.cmd.Process.Kill()
	}
	return p.file.Close()
}
