package device

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"go.bug.st/serial"
)

// fakePort scripts the device side of a raw REPL exchange. Reads drain a
// preloaded buffer; writes are recorded.
type fakePort struct {
	mu sync.Mutex
	rx bytes.Buffer
	tx bytes.Buffer
}

func (p *fakePort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.rx.Len() == 0 {
		time.Sleep(time.Millisecond)
		return 0, nil
	}
	return p.rx.Read(b)
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tx.Write(b)
}

func (p *fakePort) written() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tx.String()
}

func (p *fakePort) SetMode(mode *serial.Mode) error            { return nil }
func (p *fakePort) Drain() error                               { return nil }
func (p *fakePort) ResetInputBuffer() error                    { return nil }
func (p *fakePort) ResetOutputBuffer() error                   { return nil }
func (p *fakePort) SetDTR(dtr bool) error                      { return nil }
func (p *fakePort) SetRTS(rts bool) error                      { return nil }
func (p *fakePort) SetReadTimeout(t time.Duration) error       { return nil }
func (p *fakePort) Close() error                               { return nil }
func (p *fakePort) Break(d time.Duration) error                { return nil }
func (p *fakePort) GetModemStatusBits() (*serial.ModemStatusBits, error) {
	return &serial.ModemStatusBits{}, nil
}

func TestEvalDrivesRawRepl(t *testing.T) {
	port := &fakePort{}
	port.rx.WriteString("raw REPL; CTRL-B to exit\r\n>")
	port.rx.WriteString("OK")
	port.rx.WriteString(`{"family":"micropython"}`)
	port.rx.WriteString("\x04\x04>")

	s := newSession("/dev/ttyACM0", port)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out, err := s.Eval(ctx, "print('x')")
	if err != nil {
		t.Fatalf("Eval failed: %v", err)
	}
	if out != `{"family":"micropython"}` {
		t.Errorf("Eval output = %q", out)
	}

	wrote := port.written()
	if !strings.Contains(wrote, "print('x')") {
		t.Error("code was not written to the port")
	}
	if !strings.Contains(wrote, string(rune(ctrlA))) {
		t.Error("raw REPL was never entered")
	}
	if !strings.HasSuffix(wrote, string(rune(ctrlB))) {
		t.Error("raw REPL was not exited after evaluation")
	}
}

func TestEvalReportsRemoteError(t *testing.T) {
	port := &fakePort{}
	port.rx.WriteString("raw REPL; CTRL-B to exit\r\n>")
	port.rx.WriteString("OK")
	port.rx.WriteString("\x04Traceback (most recent call last):\r\n  ValueError\x04>")

	s := newSession("/dev/ttyACM0", port)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := s.Eval(ctx, "boom()")
	if err == nil {
		t.Fatal("expected remote error")
	}
	if !strings.Contains(err.Error(), "Traceback") {
		t.Errorf("err = %v, want remote traceback", err)
	}
}

func TestEvalTimesOutOnSilentDevice(t *testing.T) {
	s := newSession("/dev/ttyACM0", &fakePort{})
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	if _, err := s.Eval(ctx, "print('x')"); err == nil {
		t.Fatal("expected timeout error from a silent device")
	}
}

func TestRequestBootloaderSubmitsAndToleratesReset(t *testing.T) {
	port := &fakePort{}
	port.rx.WriteString("raw REPL; CTRL-B to exit\r\n>")

	s := newSession("/dev/ttyACM0", port)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.RequestBootloader(ctx); err != nil {
		t.Fatalf("RequestBootloader failed: %v", err)
	}
	if !strings.Contains(port.written(), "machine.bootloader()") {
		t.Error("bootloader request was not written")
	}
}

func TestEvalAfterCloseFails(t *testing.T) {
	s := newSession("/dev/ttyACM0", &fakePort{})
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if _, err := s.Eval(context.Background(), "1"); err == nil {
		t.Error("Eval on a closed session succeeded")
	}
}
