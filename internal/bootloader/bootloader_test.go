package bootloader

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/buckleypaul/molt/internal/device"
)

var pico = device.ConnectedBoard{
	Address:    "/dev/ttyACM0",
	BoardID:    "RPI_PICO",
	PortFamily: device.PortRP2,
}

func testTransitioner(methods map[string][]Method, confirm Confirmer) *Transitioner {
	tr := NewTransitioner(methods, confirm)
	tr.interval = time.Millisecond
	return tr
}

type fakeConfirmer struct {
	prompts []string
	answer  bool
	err     error
}

func (f *fakeConfirmer) Confirm(ctx context.Context, prompt string) (bool, error) {
	f.prompts = append(f.prompts, prompt)
	return f.answer, f.err
}

func TestEnterFallsThroughToLaterMethod(t *testing.T) {
	var order []string
	mk := func(name string, ok bool) Method {
		return Method{
			Name: name,
			Action: func(ctx context.Context, _ device.ConnectedBoard) error {
				order = append(order, name)
				return nil
			},
			Poll: func(ctx context.Context, _ device.ConnectedBoard) (bool, error) {
				return ok, nil
			},
			Timeout: 5 * time.Millisecond,
		}
	}
	tr := testTransitioner(map[string][]Method{
		device.PortRP2: {mk("first", false), mk("second", false), mk("third", true)},
	}, nil)

	tn, err := tr.Enter(context.Background(), pico)
	if err != nil {
		t.Fatalf("Enter failed: %v", err)
	}
	if tn.State != StateBootloader {
		t.Fatalf("State = %s, want bootloader", tn.State)
	}
	if len(tn.Attempts) != 3 {
		t.Fatalf("attempts = %d, want 3", len(tn.Attempts))
	}
	for i, want := range []string{"first", "second", "third"} {
		if tn.Attempts[i].Method != want {
			t.Errorf("attempt %d = %s, want %s", i, tn.Attempts[i].Method, want)
		}
	}
	if tn.Attempts[0].Err == nil || tn.Attempts[1].Err == nil || tn.Attempts[2].Err != nil {
		t.Errorf("attempt errors = %v, want two timeouts then success", tn.Attempts)
	}
	if len(order) != 3 {
		t.Errorf("actions ran %d times, want 3", len(order))
	}
}

func TestEnterStopsAtFirstSuccess(t *testing.T) {
	secondRan := false
	tr := testTransitioner(map[string][]Method{
		device.PortRP2: {
			{Name: "first", Poll: func(ctx context.Context, _ device.ConnectedBoard) (bool, error) {
				return true, nil
			}, Timeout: time.Second},
			{Name: "second", Action: func(ctx context.Context, _ device.ConnectedBoard) error {
				secondRan = true
				return nil
			}, Timeout: time.Second},
		},
	}, nil)

	tn, err := tr.Enter(context.Background(), pico)
	if err != nil || tn.State != StateBootloader {
		t.Fatalf("Enter = %s, %v", tn.State, err)
	}
	if len(tn.Attempts) != 1 {
		t.Errorf("attempts = %d, want 1", len(tn.Attempts))
	}
	if secondRan {
		t.Error("second method ran after first succeeded")
	}
}

func TestEnterPollsUntilPresent(t *testing.T) {
	polls := 0
	tr := testTransitioner(map[string][]Method{
		device.PortRP2: {{
			Name: "repl",
			Poll: func(ctx context.Context, _ device.ConnectedBoard) (bool, error) {
				polls++
				return polls >= 3, nil
			},
			Timeout: time.Second,
		}},
	}, nil)

	tn, err := tr.Enter(context.Background(), pico)
	if err != nil || tn.State != StateBootloader {
		t.Fatalf("Enter = %s, %v", tn.State, err)
	}
	if polls != 3 {
		t.Errorf("polls = %d, want 3", polls)
	}
}

func TestEnterExhaustedReportsEveryMethod(t *testing.T) {
	never := func(ctx context.Context, _ device.ConnectedBoard) (bool, error) { return false, nil }
	tr := testTransitioner(map[string][]Method{
		device.PortRP2: {
			{Name: "repl", Poll: never, Timeout: 2 * time.Millisecond},
			{Name: "touch1200", Poll: never, Timeout: 2 * time.Millisecond},
		},
	}, nil)

	tn, err := tr.Enter(context.Background(), pico)
	if tn.State != StateFailed {
		t.Fatalf("State = %s, want transition-failed", tn.State)
	}
	var te *TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("err = %v, want TimeoutError", err)
	}
	if len(te.Attempts) != 2 {
		t.Fatalf("attempts = %d, want 2", len(te.Attempts))
	}
	msg := te.Error()
	if want := "repl, touch1200"; !strings.Contains(msg, want) {
		t.Errorf("Error() = %q, want it to name %q", msg, want)
	}
}

func TestEnterActionErrorMovesOn(t *testing.T) {
	polled := false
	tr := testTransitioner(map[string][]Method{
		device.PortRP2: {
			{
				Name: "repl",
				Action: func(ctx context.Context, _ device.ConnectedBoard) error {
					return errors.New("port busy")
				},
				Poll: func(ctx context.Context, _ device.ConnectedBoard) (bool, error) {
					polled = true
					return false, nil
				},
				Timeout: time.Second,
			},
			{Name: "touch1200", Timeout: time.Second},
		},
	}, nil)

	tn, err := tr.Enter(context.Background(), pico)
	if err != nil || tn.State != StateBootloader {
		t.Fatalf("Enter = %s, %v", tn.State, err)
	}
	if polled {
		t.Error("polled after the action failed")
	}
	if tn.Attempts[0].Err == nil {
		t.Error("first attempt error not recorded")
	}
}

func TestEnterManualPromptsAndTrustsUser(t *testing.T) {
	confirm := &fakeConfirmer{answer: true}
	tr := testTransitioner(map[string][]Method{
		device.PortRP2: {{Name: "manual", Manual: true, Prompt: "hold BOOTSEL"}},
	}, confirm)

	tn, err := tr.Enter(context.Background(), pico)
	if err != nil || tn.State != StateBootloader {
		t.Fatalf("Enter = %s, %v", tn.State, err)
	}
	if len(confirm.prompts) != 1 || confirm.prompts[0] != "hold BOOTSEL" {
		t.Errorf("prompts = %v", confirm.prompts)
	}
}

func TestEnterManualDeclined(t *testing.T) {
	tr := testTransitioner(map[string][]Method{
		device.PortRP2: {{Name: "manual", Manual: true, Prompt: "reset"}},
	}, &fakeConfirmer{answer: false})

	tn, err := tr.Enter(context.Background(), pico)
	if tn.State != StateFailed {
		t.Fatalf("State = %s, want transition-failed", tn.State)
	}
	var te *TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("err = %v, want TimeoutError", err)
	}
}

func TestEnterManualWithoutConfirmerFails(t *testing.T) {
	tr := testTransitioner(map[string][]Method{
		device.PortRP2: {{Name: "manual", Manual: true}},
	}, nil)

	tn, _ := tr.Enter(context.Background(), pico)
	if tn.State != StateFailed {
		t.Fatalf("State = %s, want transition-failed", tn.State)
	}
}

func TestEnterUnlistedFamilyNeedsNoTransition(t *testing.T) {
	tr := testTransitioner(map[string][]Method{}, nil)

	esp := device.ConnectedBoard{Address: "/dev/ttyUSB0", PortFamily: device.PortESP32}
	tn, err := tr.Enter(context.Background(), esp)
	if err != nil || tn.State != StateBootloader {
		t.Fatalf("Enter = %s, %v", tn.State, err)
	}
	if len(tn.Attempts) != 0 {
		t.Errorf("attempts = %d, want 0", len(tn.Attempts))
	}
}

func TestEnterEmptyMethodListFails(t *testing.T) {
	tr := testTransitioner(map[string][]Method{device.PortRP2: nil}, nil)

	tn, err := tr.Enter(context.Background(), pico)
	if err == nil || tn.State != StateFailed {
		t.Fatalf("Enter = %s, %v, want failure", tn.State, err)
	}
}

func TestEnterCancelledDuringPoll(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	tr := testTransitioner(map[string][]Method{
		device.PortRP2: {{
			Name: "repl",
			Poll: func(ctx context.Context, _ device.ConnectedBoard) (bool, error) {
				return false, nil
			},
			Timeout: time.Minute,
		}},
	}, nil)

	start := time.Now()
	tn, err := tr.Enter(ctx, pico)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	if tn.State != StateFailed {
		t.Errorf("State = %s, want transition-failed", tn.State)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("cancellation took %s", elapsed)
	}
}
