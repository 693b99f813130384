package mi

import (
	"bufio"
	"fmt"
	"io"
	"os/exec"
	"sync"
)

// Transport is a line-oriented connection to the debugger's machine
// interface. Commands go out as single lines; output records come back
// one line at a time.
type Transport interface {
	// WriteLine sends one command line to the debugger.
	WriteLine(line string) error

	// ReadLine blocks until the next output line is available.
	ReadLine() (string, error)

	// Close closes the transport.
	Close() error
}

// StdioTransport runs the debugger as a subprocess and speaks MI over its
// stdin/stdout.
type StdioTransport struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	reader *bufio.Reader
	mu     sync.Mutex
}

// NewStdioTransport starts the given debugger command and attaches to its
// standard streams.
func NewStdioTransport(cmd *exec.Cmd) (*StdioTransport, error) {
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("get stdin pipe: %w", err)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("get stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		return nil, fmt.Errorf("start debugger: %w", err)
	}

	return &StdioTransport{
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdout,
		reader: bufio.NewReader(stdout),
	}, nil
}

// WriteLine sends one command line to the debugger process.
func (t *StdioTransport) WriteLine(line string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, err := io.WriteString(t.stdin, line+"\n"); err != nil {
		return fmt.Errorf("write command: %w", err)
	}
	return nil
}

// ReadLine blocks until the debugger emits the next output line.
func (t *StdioTransport) ReadLine() (string, error) {
	return t.reader.ReadString('\n')
}

// Close closes the streams and terminates the debugger process.
func (t *StdioTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stdin.Close()
	t.stdout.Close()

	if t.cmd.Process != nil {
		t.cmd.Process.Kill()
	}

	return t.cmd.Wait()
}

// RawTransport wraps any io.ReadWriteCloser as a Transport.
type RawTransport struct {
	rwc    io.ReadWriteCloser
	reader *bufio.Reader
	mu     sync.Mutex
}

// NewRawTransport creates a transport from any ReadWriteCloser.
func NewRawTransport(rwc io.ReadWriteCloser) *RawTransport {
	return &RawTransport{
		rwc:    rwc,
		reader: bufio.NewReader(rwc),
	}
}

// WriteLine sends one command line.
func (t *RawTransport) WriteLine(line string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	_, err := io.WriteString(t.rwc, line+"\n")
	return err
}

// ReadLine blocks until the next output line.
func (t *RawTransport) ReadLine() (string, error) {
	return t.reader.ReadString('\n')
}

// Close closes the underlying connection.
func (t *RawTransport) Close() error {
	return t.rwc.Close()
}
