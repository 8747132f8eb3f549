package tui

import (
	"errors"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"sdrpipe/internal/radio"
)

var testDevices = []radio.Args{
	{"driver": "sim", "serial": "SIM0001", "label": "Synthetic receiver #1"},
	{"driver": "soundcard", "serial": "2", "label": "Line In", "rate": "192000"},
}

func newTestModel(t *testing.T, devices []radio.Args, err error) DeviceListModel {
	t.Helper()
	m := NewDeviceListModel(func(radio.Args) ([]radio.Args, error) { return devices, err }, nil)
	m = update(t, m, tea.WindowSizeMsg{Width: 100, Height: 40})
	return update(t, m, m.Init()())
}

func update(t *testing.T, m DeviceListModel, msg tea.Msg) DeviceListModel {
	t.Helper()
	next, _ := m.Update(msg)
	return next.(DeviceListModel)
}

func keyMsg(k string) tea.KeyMsg {
	switch k {
	case "enter":
		return tea.KeyMsg{Type: tea.KeyEnter}
	case "esc":
		return tea.KeyMsg{Type: tea.KeyEsc}
	case "down":
		return tea.KeyMsg{Type: tea.KeyDown}
	case "up":
		return tea.KeyMsg{Type: tea.KeyUp}
	}
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(k)}
}

func TestListRendersDevices(t *testing.T) {
	m := newTestModel(t, testDevices, nil)
	view := m.View()
	for _, want := range []string{"Radio List", "Synthetic receiver #1", "Line In", "soundcard"} {
		if !strings.Contains(view, want) {
			t.Errorf("View() missing %q", want)
		}
	}
}

func TestEmptyAndError(t *testing.T) {
	if view := newTestModel(t, nil, nil).View(); !strings.Contains(view, "No radios found.") {
		t.Errorf("empty View() = %q", view)
	}
	if view := newTestModel(t, nil, errors.New("usb gone")).View(); !strings.Contains(view, "usb gone") {
		t.Errorf("error View() = %q", view)
	}
}

func TestSelectDeviceAndRate(t *testing.T) {
	m := newTestModel(t, testDevices, nil)

	m = update(t, m, keyMsg("down"))
	m = update(t, m, keyMsg("down")) // stays on the last device
	m = update(t, m, keyMsg("enter"))
	if m.activeScreen != ConfigScreen {
		t.Fatal("Enter did not open the configuration screen")
	}
	// The soundcard advertises 192 kS/s; the nearest preset is 250 kS/s.
	if SampleRates[m.sampleRateIndex] != 250e3 {
		t.Errorf("default rate = %g", SampleRates[m.sampleRateIndex])
	}
	if !strings.Contains(m.View(), "Configure Radio: Line In") {
		t.Errorf("config View() = %q", m.View())
	}

	m = update(t, m, keyMsg("j"))
	m = update(t, m, keyMsg("j"))
	next, cmd := m.Update(keyMsg("enter"))
	m = next.(DeviceListModel)
	if cmd == nil {
		t.Fatal("selecting did not quit")
	}
	sel, ok := m.Selection()
	if !ok {
		t.Fatal("Selection() reported nothing selected")
	}
	if sel.Args["serial"] != "2" || sel.SampleRate != 2.048e6 {
		t.Errorf("Selection() = %+v", sel)
	}
}

func TestEscapeReturnsToList(t *testing.T) {
	m := newTestModel(t, testDevices, nil)
	m = update(t, m, keyMsg("enter"))
	if SampleRates[m.sampleRateIndex] != 2.048e6 {
		t.Errorf("default rate without a hint = %g, want 2.048e6", SampleRates[m.sampleRateIndex])
	}
	m = update(t, m, keyMsg("esc"))
	if m.activeScreen != ListScreen {
		t.Error("Esc did not return to the list")
	}
	if _, ok := m.Selection(); ok {
		t.Error("Selection() set without confirming")
	}
}

func TestSelectionFlags(t *testing.T) {
	sel := Selection{
		Args:       radio.Args{"driver": "rtltcp", "addr": "10.0.0.2:1234", "serial": "10.0.0.2:1234", "label": "RTL-SDR"},
		SampleRate: 2.4e6,
	}
	want := "--driver rtltcp --args 'addr=10.0.0.2:1234,serial=10.0.0.2:1234' --rate 2.4e+06"
	if got := sel.Flags(); got != want {
		t.Errorf("Flags() = %q, want %q", got, want)
	}
}
