package device

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
)

const (
	ctrlA = 0x01 // enter raw REPL
	ctrlB = 0x02 // exit raw REPL
	ctrlC = 0x03 // interrupt
	ctrlD = 0x04 // submit / end of transmission
)

const (
	sessionBaudRate    = 115200
	readPollInterval   = 50 * time.Millisecond
	defaultEvalTimeout = 10 * time.Second
)

// Session is an open serial connection to a board, driving its raw REPL
// for remote evaluation.
type Session struct {
	mu   sync.Mutex
	addr string
	port serial.Port
	rbuf []byte
}

// Dial opens a session on the given serial port.
func Dial(addr string) (*Session, error) {
	mode := &serial.Mode{
		BaudRate: sessionBaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(addr, mode)
	if err != nil {
		return nil, err
	}
	return &Session{addr: addr, port: port}, nil
}

func newSession(addr string, port serial.Port) *Session {
	return &Session{addr: addr, port: port}
}

// Eval runs code in the board's raw REPL and returns its output. The
// REPL is returned to its friendly mode afterwards, so evaluation leaves
// the device state unchanged.
func (s *Session) Eval(ctx context.Context, code string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port == nil {
		return "", io.ErrClosedPipe
	}

	if err := s.enterRaw(ctx); err != nil {
		return "", err
	}
	defer s.exitRaw()

	if _, err := s.port.Write([]byte(code)); err != nil {
		return "", err
	}
	if _, err := s.port.Write([]byte{ctrlD}); err != nil {
		return "", err
	}
	if _, err := s.readUntil(ctx, "OK"); err != nil {
		return "", err
	}

	out, err := s.readUntil(ctx, "\x04")
	if err != nil {
		return "", err
	}
	errOut, err := s.readUntil(ctx, "\x04")
	if err != nil {
		return "", err
	}
	if trimmed := strings.TrimSpace(errOut); trimmed != "" {
		return "", fmt.Errorf("remote error on %s: %s", s.addr, trimmed)
	}
	return strings.TrimSpace(out), nil
}

// RequestBootloader asks the running firmware to reboot into its
// bootloader via machine.bootloader(). The board resets before
// acknowledging, so submission errors after the raw prompt are ignored.
func (s *Session) RequestBootloader(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port == nil {
		return io.ErrClosedPipe
	}

	if err := s.enterRaw(ctx); err != nil {
		return err
	}
	_, _ = s.port.Write([]byte("import machine; machine.bootloader()"))
	_, _ = s.port.Write([]byte{ctrlD})
	return nil
}

// Close releases the serial port.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port == nil {
		return nil
	}
	err := s.port.Close()
	s.port = nil
	return err
}

func (s *Session) enterRaw(ctx context.Context) error {
	s.port.ResetInputBuffer()
	s.rbuf = nil
	if _, err := s.port.Write([]byte{'\r', ctrlC, ctrlC}); err != nil {
		return err
	}
	time.Sleep(100 * time.Millisecond)
	s.port.ResetInputBuffer()

	if _, err := s.port.Write([]byte{'\r', ctrlA}); err != nil {
		return err
	}
	_, err := s.readUntil(ctx, "raw REPL; CTRL-B to exit")
	return err
}

func (s *Session) exitRaw() {
	_, _ = s.port.Write([]byte{ctrlB})
}

// readUntil collects port output until delim appears, honoring the
// context deadline. Bytes after the delimiter stay buffered for the next
// read.
func (s *Session) readUntil(ctx context.Context, delim string) (string, error) {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultEvalTimeout)
	}
	s.port.SetReadTimeout(readPollInterval)

	tmp := make([]byte, 256)
	for {
		if i := bytes.Index(s.rbuf, []byte(delim)); i >= 0 {
			out := string(s.rbuf[:i])
			s.rbuf = s.rbuf[i+len(delim):]
			return out, nil
		}
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if time.Now().After(deadline) {
			return "", fmt.Errorf("timeout waiting for %s", s.addr)
		}

		n, err := s.port.Read(tmp)
		if err != nil {
			return "", err
		}
		if n > 0 {
			s.rbuf = append(s.rbuf, tmp[:n]...)
		}
	}
}

// Touch1200 performs the 1200 baud touch: opening and closing the port
// at 1200 baud with the control lines low signals supporting boards to
// reboot into their bootloader.
func Touch1200(addr string) error {
	port, err := serial.Open(addr, &serial.Mode{BaudRate: 1200})
	if err != nil {
		return err
	}
	_ = port.SetDTR(false)
	_ = port.SetRTS(false)
	time.Sleep(200 * time.Millisecond)
	return port.Close()
}
