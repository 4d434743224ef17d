package shared

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
)

type StringWriteCloser interface {
	io.Closer
	io.StringWriter
}

type WriteCloser struct {
	w io.Writer
}

// NewWriteCloser adapts w. Close is a no-op unless w is an io.Closer, so
// os.Stdout can be handed over without being closed by the printer.
func NewWriteCloser(w io.Writer) StringWriteCloser {
	if w == nil {
		return nil
	}
	return &WriteCloser{w: w}
}

func (wc *WriteCloser) WriteString(s string) (n int, err error) {
	return io.WriteString(wc.w, s)
}

func (wc *WriteCloser) Close() error {
	if c, ok := wc.w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Printer fans indented lines out to a set of hooks. Sessions use it to mirror
// the conversation as "You:" / "AI:" lines.
type Printer struct {
	mu     sync.Mutex
	indStr string
	hooks  []StringWriteCloser
}

func NewPrinter(indentString string, hooks ...StringWriteCloser) (*Printer, error) {
	if len(hooks) == 0 {
		return nil, errors.New("no hook provided")
	}
	for _, hook := range hooks {
		if hook == nil {
			return nil, errors.New("a nil pointed hook is given")
		}
	}
	return &Printer{indStr: indentString, hooks: hooks}, nil
}

func (p *Printer) Write(s string, ind int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.write(s, ind)
}

func (p *Printer) Writeln(s string, ind int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.write(s, ind); err != nil {
		return err
	}
	return p.writeAll("\n")
}

// Transcript writes one conversation line tagged with the session it came from.
func (p *Printer) Transcript(sessionId, speaker, text string) error {
	if p == nil {
		return nil
	}
	return p.Writeln(fmt.Sprintf("[%s] %s: %s", sessionId, speaker, text), 0)
}

func (p *Printer) write(s string, ind int) error {
	indent := strings.Repeat(p.indStr, ind)
	first := true
	for line := range strings.SplitSeq(s, "\n") {
		if first {
			first = false
			line = indent + line
		} else {
			line = "\n" + indent + line
		}
		if err := p.writeAll(line); err != nil {
			return err
		}
	}
	return nil
}

func (p *Printer) writeAll(s string) error {
	for _, hook := range p.hooks {
		if _, err := hook.WriteString(s); err != nil {
			return fmt.Errorf("on writing to hook: %w", err)
		}
	}
	return nil
}

func (p *Printer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, hook := range p.hooks {
		if err := hook.Close(); err != nil {
			return fmt.Errorf("on closing hook: %w", err)
		}
	}
	return nil
}
