package bootloader

import (
	"testing"
	"time"

	"github.com/buckleypaul/molt/internal/device"
)

func methodNames(list []Method) []string {
	names := make([]string, len(list))
	for i, m := range list {
		names[i] = m.Name
	}
	return names
}

func TestDefaultMethodOrder(t *testing.T) {
	methods := DefaultMethods(Checks{})

	cases := []struct {
		family string
		want   []string
	}{
		{device.PortRP2, []string{"repl", "touch1200", "manual"}},
		{device.PortSAMD, []string{"repl", "touch1200", "manual"}},
		{device.PortNRF, []string{"repl", "touch1200", "manual"}},
		{device.PortSTM32, []string{"repl", "manual"}},
		{device.PortESP32, []string{"rom-usb"}},
		{device.PortESP8266, []string{"rom-usb"}},
	}
	for _, tc := range cases {
		list, ok := methods[tc.family]
		if !ok {
			t.Errorf("%s: no method list", tc.family)
			continue
		}
		got := methodNames(list)
		if len(got) != len(tc.want) {
			t.Errorf("%s: methods = %v, want %v", tc.family, got, tc.want)
			continue
		}
		for i := range got {
			if got[i] != tc.want[i] {
				t.Errorf("%s: method %d = %s, want %s", tc.family, i, got[i], tc.want[i])
			}
		}
	}

	if _, ok := methods[device.PortMIMXRT]; ok {
		t.Error("mimxrt listed; its images are not transition-flashed")
	}
}

func TestDefaultMethodsManualPromptsDiffer(t *testing.T) {
	methods := DefaultMethods(Checks{})

	prompt := func(family string) string {
		for _, m := range methods[family] {
			if m.Manual {
				return m.Prompt
			}
		}
		t.Fatalf("%s: no manual method", family)
		return ""
	}
	if prompt(device.PortRP2) == prompt(device.PortSAMD) {
		t.Error("rp2 and samd share a manual prompt")
	}
}

func TestRestrictKeepsOnlyNamedMethod(t *testing.T) {
	restricted := Restrict(DefaultMethods(Checks{}), "touch1200")

	rp2 := methodNames(restricted[device.PortRP2])
	if len(rp2) != 1 || rp2[0] != "touch1200" {
		t.Errorf("rp2 methods = %v, want [touch1200]", rp2)
	}

	stm, ok := restricted[device.PortSTM32]
	if !ok {
		t.Fatal("stm32 dropped from the table entirely")
	}
	if len(stm) != 0 {
		t.Errorf("stm32 methods = %v, want none (touch1200 unsupported there)", methodNames(stm))
	}
}

func TestRestrictAutoKeepsTable(t *testing.T) {
	methods := DefaultMethods(Checks{})
	if got := Restrict(methods, "auto"); len(got[device.PortRP2]) != 3 {
		t.Errorf("auto narrowed the table: %v", methodNames(got[device.PortRP2]))
	}
}

func TestSetWaitSparesManualMethods(t *testing.T) {
	methods := DefaultMethods(Checks{})
	SetWait(methods, device.PortSAMD, 20*time.Second)

	for _, m := range methods[device.PortSAMD] {
		switch {
		case m.Manual && m.Timeout == 20*time.Second:
			t.Errorf("manual method %s picked up a poll timeout", m.Name)
		case !m.Manual && m.Timeout != 20*time.Second:
			t.Errorf("method %s timeout = %v, want 20s", m.Name, m.Timeout)
		}
	}
	for _, m := range methods[device.PortRP2] {
		if m.Timeout == 20*time.Second {
			t.Errorf("rp2 method %s changed by a samd override", m.Name)
		}
	}
}
