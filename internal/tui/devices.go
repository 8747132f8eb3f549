package tui

import (
	"fmt"
	"maps"
	"math"
	"slices"
	"strconv"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"sdrpipe/internal/radio"
)

var (
	titleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFFDF5")).
			Background(lipgloss.Color("#25A065")).
			Padding(0, 1).
			Bold(true)

	infoStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFFDF5"))

	highlightStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#25A065")).
			Bold(true)
)

// SampleRates offered on the configuration screen, in S/s.
var SampleRates = []float64{250e3, 1.024e6, 2.048e6, 2.4e6, 3.2e6, 10e6, 20e6, 30.72e6}

// ScreenType defines which screen is currently active
type ScreenType int

const (
	ListScreen ScreenType = iota
	ConfigScreen
)

// Selection is the device and rate chosen with Enter on the configuration
// screen.
type Selection struct {
	Args       radio.Args
	SampleRate float64
}

// Flags renders the selection as command line flags.
func (s Selection) Flags() string {
	var parts []string
	if d := s.Args["driver"]; d != "" {
		parts = append(parts, "--driver "+d)
	}
	var kv []string
	for _, k := range slices.Sorted(maps.Keys(s.Args)) {
		if k != "driver" && k != "label" {
			kv = append(kv, k+"="+s.Args[k])
		}
	}
	if len(kv) > 0 {
		parts = append(parts, "--args '"+strings.Join(kv, ",")+"'")
	}
	parts = append(parts, "--rate "+strconv.FormatFloat(s.SampleRate, 'g', -1, 64))
	return strings.Join(parts, " ")
}

// Enumerator lists devices; radio.Enumerate in production.
type Enumerator func(filter radio.Args) ([]radio.Args, error)

// DeviceListModel represents the Bubble Tea model for listing radios
type DeviceListModel struct {
	enumerate     Enumerator
	filter        radio.Args
	devices       []radio.Args
	selectedIndex int
	viewport      viewport.Model
	ready         bool
	err           error
	activeScreen  ScreenType

	// Configuration options
	sampleRateIndex int
	selection       *Selection
}

// Init initializes the Bubble Tea model
func (m DeviceListModel) Init() tea.Cmd {
	return m.fetchDevices
}

// fetchDevices runs discovery with the model's filter
func (m DeviceListModel) fetchDevices() tea.Msg {
	devices, err := m.enumerate(m.filter)
	if err != nil {
		return errMsg{err}
	}
	return devicesMsg{devices}
}

type devicesMsg struct {
	devices []radio.Args
}

type errMsg struct {
	err error
}

// Update handles input and updates the model
func (m DeviceListModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var (
		cmd  tea.Cmd
		cmds []tea.Cmd
	)

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		if !m.ready {
			m.viewport = viewport.New(msg.Width, msg.Height-4)
			m.viewport.Style = lipgloss.NewStyle()
			m.ready = true
			m.refresh()
		} else {
			m.viewport.Width = msg.Width
			m.viewport.Height = msg.Height - 4
		}

	case devicesMsg:
		m.devices = msg.devices
		m.err = nil
		if m.selectedIndex >= len(m.devices) {
			m.selectedIndex = 0
		}
		m.refresh()

	case errMsg:
		m.err = msg.err

	case tea.KeyMsg:
		if key.Matches(msg, key.NewBinding(key.WithKeys("q", "ctrl+c"))) {
			return m, tea.Quit
		}

		switch m.activeScreen {
		case ListScreen:
			switch {
			case key.Matches(msg, key.NewBinding(key.WithKeys("up", "k"))):
				if m.selectedIndex > 0 {
					m.selectedIndex--
				}
			case key.Matches(msg, key.NewBinding(key.WithKeys("down", "j"))):
				if m.selectedIndex < len(m.devices)-1 {
					m.selectedIndex++
				}
			case key.Matches(msg, key.NewBinding(key.WithKeys("r"))):
				return m, m.fetchDevices
			case key.Matches(msg, key.NewBinding(key.WithKeys("enter"))):
				if len(m.devices) > 0 {
					m.activeScreen = ConfigScreen
					m.sampleRateIndex = defaultRateIndex(m.devices[m.selectedIndex])
				}
			}

		case ConfigScreen:
			switch {
			case key.Matches(msg, key.NewBinding(key.WithKeys("esc"))):
				m.activeScreen = ListScreen
			case key.Matches(msg, key.NewBinding(key.WithKeys("up", "k"))):
				if m.sampleRateIndex > 0 {
					m.sampleRateIndex--
				}
			case key.Matches(msg, key.NewBinding(key.WithKeys("down", "j"))):
				if m.sampleRateIndex < len(SampleRates)-1 {
					m.sampleRateIndex++
				}
			case key.Matches(msg, key.NewBinding(key.WithKeys("enter"))):
				m.selection = &Selection{
					Args:       m.devices[m.selectedIndex],
					SampleRate: SampleRates[m.sampleRateIndex],
				}
				return m, tea.Quit
			}
		}
		m.refresh()
	}

	m.viewport, cmd = m.viewport.Update(msg)
	cmds = append(cmds, cmd)

	return m, tea.Batch(cmds...)
}

func (m *DeviceListModel) refresh() {
	if !m.ready {
		return
	}
	if m.activeScreen == ConfigScreen {
		m.viewport.SetContent(m.renderDeviceConfig())
	} else {
		m.viewport.SetContent(m.renderDevices())
	}
}

// defaultRateIndex picks the preset nearest the rate a device advertises,
// or 2.048 MS/s.
func defaultRateIndex(args radio.Args) int {
	want := 2.048e6
	if v, err := strconv.ParseFloat(args["rate"], 64); err == nil && v > 0 {
		want = v
	}
	best := 0
	for i, rate := range SampleRates {
		if math.Abs(rate-want) < math.Abs(SampleRates[best]-want) {
			best = i
		}
	}
	return best
}

// View renders the UI
func (m DeviceListModel) View() string {
	if !m.ready {
		return "Initializing..."
	}

	if m.err != nil {
		return fmt.Sprintf("Error: %v\n\nPress q to exit.", m.err)
	}

	var title, help string

	if m.activeScreen == ListScreen {
		title = titleStyle.Render("Radio List")
		help = infoStyle.Render("↑/↓: Navigate • Enter: Configure • r: Rescan • q: Quit")
	} else {
		title = titleStyle.Render("Stream Configuration")
		help = infoStyle.Render("↑/↓: Change Rate • Enter: Select • Esc: Back • q: Quit")
	}

	return fmt.Sprintf("%s\n\n%s\n\n%s", title, m.viewport.View(), help)
}

// renderDevices formats the device list
func (m DeviceListModel) renderDevices() string {
	if len(m.devices) == 0 {
		return "No radios found."
	}

	var sb strings.Builder
	for i, args := range m.devices {
		label := args["label"]
		if label == "" {
			label = args["serial"]
		}
		entry := fmt.Sprintf("[%d] %s (%s)\n", i+1, label, args["driver"])
		entry += fmt.Sprintf("    %s\n", args)

		if i == m.selectedIndex {
			entry = highlightStyle.Render(entry)
		}
		sb.WriteString(entry)
		sb.WriteString("\n")
	}
	return sb.String()
}

// renderDeviceConfig formats the configuration screen
func (m DeviceListModel) renderDeviceConfig() string {
	var sb strings.Builder
	args := m.devices[m.selectedIndex]

	sb.WriteString(fmt.Sprintf("Configure Radio: %s\n\n", args["label"]))
	sb.WriteString("Sample Rate:\n")

	for i, rate := range SampleRates {
		marker := " "
		if i == m.sampleRateIndex {
			marker = "▶"
		}
		line := fmt.Sprintf("  %s %.3f MS/s\n", marker, rate/1e6)
		if i == m.sampleRateIndex {
			line = highlightStyle.Render(line)
		}
		sb.WriteString(line)
	}
	return sb.String()
}

// Selection returns the confirmed choice, if any.
func (m DeviceListModel) Selection() (Selection, bool) {
	if m.selection == nil {
		return Selection{}, false
	}
	return *m.selection, true
}

// NewDeviceListModel creates a model that lists what enumerate finds for
// filter.
func NewDeviceListModel(enumerate Enumerator, filter radio.Args) DeviceListModel {
	return DeviceListModel{
		enumerate:    enumerate,
		filter:       filter,
		activeScreen: ListScreen,
	}
}

// StartDeviceListUI runs the device browser and returns the selection the
// user confirmed, if any.
func StartDeviceListUI(filter radio.Args) (Selection, bool, error) {
	p := tea.NewProgram(
		NewDeviceListModel(radio.Enumerate, filter),
		tea.WithAltScreen(),
	)
	final, err := p.Run()
	if err != nil {
		return Selection{}, false, err
	}
	sel, ok := final.(DeviceListModel).Selection()
	return sel, ok, nil
}
