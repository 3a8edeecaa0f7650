package worklist

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/buckleypaul/molt/internal/catalog"
	"github.com/buckleypaul/molt/internal/device"
	"github.com/buckleypaul/molt/internal/mpversion"
)

type fakeResolver struct {
	byBoard map[string]catalog.Firmware // keyed boardID|variant
	err     error
	calls   []string
}

func (f *fakeResolver) Resolve(ctx context.Context, boardID, variant, port string, spec mpversion.Spec) (catalog.Firmware, error) {
	f.calls = append(f.calls, boardID+"|"+variant)
	if f.err != nil {
		return catalog.Firmware{}, f.err
	}
	fw, ok := f.byBoard[boardID+"|"+variant]
	if !ok {
		return catalog.Firmware{}, &catalog.VersionNotFoundError{BoardID: boardID, Variant: variant, Port: port, Spec: spec.String()}
	}
	return fw, nil
}

type fakeRouter struct {
	strategies map[string]string // by port family
}

func (f *fakeRouter) StrategyFor(b device.ConnectedBoard) (string, error) {
	s, ok := f.strategies[b.PortFamily]
	if !ok {
		return "", fmt.Errorf("no flash strategy for %s boards", b.PortFamily)
	}
	return s, nil
}

func pico(addr string) device.ConnectedBoard {
	return device.ConnectedBoard{
		Address:    addr,
		Family:     "micropython",
		PortFamily: "rp2",
		BoardID:    "RPI_PICO",
		Version:    mpversion.Version{Major: 1, Minor: 23, Patch: 0},
	}
}

func wroom(addr string) device.ConnectedBoard {
	return device.ConnectedBoard{
		Address:    addr,
		Family:     "micropython",
		PortFamily: "esp32",
		BoardID:    "ESP32_GENERIC",
		Version:    mpversion.Version{Major: 1, Minor: 22, Patch: 0},
	}
}

func testBuilder(resolver *fakeResolver) *Builder {
	return &Builder{
		Catalog: resolver,
		Router:  &fakeRouter{strategies: map[string]string{"rp2": "uf2", "esp32": "serialrom"}},
	}
}

func TestBuildResolvesEachBoard(t *testing.T) {
	resolver := &fakeResolver{byBoard: map[string]catalog.Firmware{
		"RPI_PICO|":      {Filename: "RPI_PICO-v1.24.1.uf2", Version: "v1.24.1"},
		"ESP32_GENERIC|": {Filename: "ESP32_GENERIC-v1.24.1.bin", Version: "v1.24.1"},
	}}
	b := testBuilder(resolver)

	boards := []device.ConnectedBoard{wroom("/dev/ttyUSB0"), pico("/dev/ttyACM0")}
	jobs := b.Build(context.Background(), boards, Request{Spec: mpversion.Spec{Kind: mpversion.SpecStable}})

	if len(jobs) != 2 {
		t.Fatalf("built %d jobs, want 2", len(jobs))
	}
	if jobs[0].Board.Address != "/dev/ttyACM0" || jobs[1].Board.Address != "/dev/ttyUSB0" {
		t.Fatalf("jobs not ordered by address: %s, %s", jobs[0].Board.Address, jobs[1].Board.Address)
	}
	if jobs[0].Firmware.Filename != "RPI_PICO-v1.24.1.uf2" || jobs[0].Strategy != "uf2" {
		t.Fatalf("pico job bound to %q via %q", jobs[0].Firmware.Filename, jobs[0].Strategy)
	}
	if jobs[1].Firmware.Filename != "ESP32_GENERIC-v1.24.1.bin" || jobs[1].Strategy != "serialrom" {
		t.Fatalf("esp32 job bound to %q via %q", jobs[1].Firmware.Filename, jobs[1].Strategy)
	}
	for _, j := range jobs {
		if j.Status != StatusPending {
			t.Fatalf("job %s status = %s, want %s", j.Board.Address, j.Status, StatusPending)
		}
		if j.ID == "" {
			t.Fatal("job has no id")
		}
	}
	if jobs[0].ID == jobs[1].ID {
		t.Fatalf("jobs share id %s", jobs[0].ID)
	}
}

func TestBuildOneJobPerAddress(t *testing.T) {
	resolver := &fakeResolver{byBoard: map[string]catalog.Firmware{
		"RPI_PICO|": {Filename: "RPI_PICO-v1.24.1.uf2", Version: "v1.24.1"},
	}}
	b := testBuilder(resolver)

	boards := []device.ConnectedBoard{pico("/dev/ttyACM0"), pico("/dev/ttyACM0")}
	jobs := b.Build(context.Background(), boards, Request{})

	if len(jobs) != 1 {
		t.Fatalf("built %d jobs for one address, want 1", len(jobs))
	}
}

func TestBuildSkipsUnresolvedBoard(t *testing.T) {
	resolver := &fakeResolver{byBoard: map[string]catalog.Firmware{
		"RPI_PICO|": {Filename: "RPI_PICO-v1.24.1.uf2", Version: "v1.24.1"},
	}}
	b := testBuilder(resolver)

	boards := []device.ConnectedBoard{pico("/dev/ttyACM0"), wroom("/dev/ttyUSB0")}
	jobs := b.Build(context.Background(), boards, Request{})

	if len(jobs) != 2 {
		t.Fatalf("built %d jobs, want 2", len(jobs))
	}
	if jobs[0].Status != StatusPending {
		t.Fatalf("resolved job status = %s, want %s", jobs[0].Status, StatusPending)
	}
	if jobs[1].Status != StatusSkipped || jobs[1].Reason != "no matching firmware" {
		t.Fatalf("unresolved job = %s (%q), want skipped with no matching firmware", jobs[1].Status, jobs[1].Reason)
	}
}

func TestBuildOverridesIdentity(t *testing.T) {
	resolver := &fakeResolver{byBoard: map[string]catalog.Firmware{
		"SEEED_WIO_TERMINAL|": {Filename: "SEEED_WIO_TERMINAL-v1.24.1.uf2", Version: "v1.24.1"},
	}}
	b := testBuilder(resolver)

	jobs := b.Build(context.Background(), []device.ConnectedBoard{pico("/dev/ttyACM0")},
		Request{BoardID: "SEEED_WIO_TERMINAL"})

	if len(resolver.calls) != 1 || resolver.calls[0] != "SEEED_WIO_TERMINAL|" {
		t.Fatalf("resolver calls = %v, want the override", resolver.calls)
	}
	if jobs[0].Status != StatusPending {
		t.Fatalf("status = %s, want %s", jobs[0].Status, StatusPending)
	}
}

func TestBuildVariantOverrideKeepsBoardID(t *testing.T) {
	resolver := &fakeResolver{byBoard: map[string]catalog.Firmware{
		"RPI_PICO|THREAD": {Filename: "RPI_PICO-THREAD-v1.24.1.uf2", Version: "v1.24.1"},
	}}
	b := testBuilder(resolver)

	b.Build(context.Background(), []device.ConnectedBoard{pico("/dev/ttyACM0")},
		Request{Variant: "THREAD"})

	if len(resolver.calls) != 1 || resolver.calls[0] != "RPI_PICO|THREAD" {
		t.Fatalf("resolver calls = %v, want board's own id with the variant override", resolver.calls)
	}
}

func TestBuildSkipsForeignFamily(t *testing.T) {
	resolver := &fakeResolver{}
	b := testBuilder(resolver)

	board := pico("/dev/ttyACM0")
	board.Family = "circuitpython"
	jobs := b.Build(context.Background(), []device.ConnectedBoard{board}, Request{})

	if jobs[0].Status != StatusSkipped || jobs[0].Reason != "not a micropython board" {
		t.Fatalf("job = %s (%q)", jobs[0].Status, jobs[0].Reason)
	}
	if len(resolver.calls) != 0 {
		t.Fatalf("resolver called %d times for a foreign board", len(resolver.calls))
	}
}

func TestBuildSkipsUnidentifiedBoard(t *testing.T) {
	resolver := &fakeResolver{}
	b := testBuilder(resolver)

	board := pico("/dev/ttyACM0")
	board.BoardID = ""
	jobs := b.Build(context.Background(), []device.ConnectedBoard{board}, Request{})

	if jobs[0].Status != StatusSkipped || jobs[0].Reason != "board not identified" {
		t.Fatalf("job = %s (%q)", jobs[0].Status, jobs[0].Reason)
	}
}

func TestBuildFailsOnResolverError(t *testing.T) {
	resolver := &fakeResolver{err: errors.New("catalog database is locked")}
	b := testBuilder(resolver)

	jobs := b.Build(context.Background(), []device.ConnectedBoard{pico("/dev/ttyACM0")}, Request{})

	if jobs[0].Status != StatusFailed {
		t.Fatalf("status = %s, want %s", jobs[0].Status, StatusFailed)
	}
	if jobs[0].Err == nil || !strings.Contains(jobs[0].Err.Error(), "locked") {
		t.Fatalf("err = %v", jobs[0].Err)
	}
}

func TestBuildSkipsUnroutableFamily(t *testing.T) {
	resolver := &fakeResolver{byBoard: map[string]catalog.Firmware{
		"ARDUINO_PORTENTA_C33|": {Filename: "ARDUINO_PORTENTA_C33-v1.24.1.hex", Version: "v1.24.1"},
	}}
	b := testBuilder(resolver)

	board := device.ConnectedBoard{
		Address:    "/dev/ttyACM2",
		Family:     "micropython",
		PortFamily: "renesas-ra",
		BoardID:    "ARDUINO_PORTENTA_C33",
	}
	jobs := b.Build(context.Background(), []device.ConnectedBoard{board}, Request{})

	if jobs[0].Status != StatusSkipped || !strings.Contains(jobs[0].Reason, "renesas-ra") {
		t.Fatalf("job = %s (%q)", jobs[0].Status, jobs[0].Reason)
	}
}
