package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/wippyai/wasi-polyfill/bridge"
	"github.com/wippyai/wasi-polyfill/engine"
	"github.com/wippyai/wasi-polyfill/linker"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	funcStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#98FB98"))

	typeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#87CEEB"))

	selectedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4"))

	resultStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#90EE90"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666"))

	consoleStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#444444"))
)

// console collects guest output. Guest calls run in tea commands, so
// writes and renders happen on different goroutines.
type console struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (c *console) stream(style *lipgloss.Style) io.Writer {
	return writerFunc(func(p []byte) (int, error) {
		c.mu.Lock()
		defer c.mu.Unlock()
		if style != nil {
			c.buf.WriteString(style.Render(string(p)))
		} else {
			c.buf.Write(p)
		}
		return len(p), nil
	})
}

func (c *console) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.String()
}

type writerFunc func(p []byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }

type interactiveModel struct {
	err      error
	eng      *engine.Engine
	lk       *linker.Linker
	bridge   *bridge.Bridge
	stdin    io.Closer
	out      *console
	logger   *zap.Logger
	opts     options
	result   string
	funcs    []funcInfo
	inputs   []textinput.Model
	output   viewport.Model
	selected int
	focusIdx int
	state    modelState
}

type funcInfo struct {
	name    string
	params  []api.ValueType
	results []api.ValueType
}

type modelState int

const (
	stateSelectFunc modelState = iota
	stateInputArgs
	stateShowResult
)

const consoleHeight = 10

func newInteractiveModel(opts options, logger *zap.Logger) *interactiveModel {
	output := viewport.New(80, consoleHeight)
	return &interactiveModel{
		opts:   opts,
		logger: logger,
		out:    &console{},
		output: output,
		state:  stateSelectFunc,
	}
}

type loadedMsg struct {
	err    error
	eng    *engine.Engine
	lk     *linker.Linker
	bridge *bridge.Bridge
	stdin  io.Closer
	funcs  []funcInfo
}

type callResultMsg struct {
	err    error
	result string
}

func (m *interactiveModel) Init() tea.Cmd {
	return m.loadGuest
}

func (m *interactiveModel) loadGuest() tea.Msg {
	ctx := context.Background()

	eng, lk, err := newEngine(ctx, m.opts, m.logger)
	if err != nil {
		return loadedMsg{err: err}
	}

	// The terminal belongs to the TUI; stdin is only served from a file.
	var stdin io.ReadCloser = io.NopCloser(strings.NewReader(""))
	if m.opts.stdinFile != "" {
		if stdin, err = os.Open(m.opts.stdinFile); err != nil {
			eng.Close(ctx)
			return loadedMsg{err: err}
		}
	}

	handlers := bridge.Stdio(stdin, m.out.stream(nil), m.out.stream(&errorStyle))
	handlers.OnMemoryGrowth = growthLogger(m.logger)

	b, err := bridge.New(ctx, eng, lk, m.opts.wasmFile, handlers, bridgeOptions(m.opts, m.logger)...)
	if err != nil {
		stdin.Close()
		lk.Close(ctx)
		eng.Close(ctx)
		return loadedMsg{err: err}
	}

	var funcs []funcInfo
	for name, def := range b.Instance().ExportedFunctionDefinitions() {
		if name == "_initialize" {
			continue
		}
		funcs = append(funcs, funcInfo{
			name:    name,
			params:  def.ParamTypes(),
			results: def.ResultTypes(),
		})
	}
	slices.SortFunc(funcs, func(a, b funcInfo) int { return strings.Compare(a.name, b.name) })

	return loadedMsg{eng: eng, lk: lk, bridge: b, stdin: stdin, funcs: funcs}
}

func (m *interactiveModel) close() {
	ctx := context.Background()
	if m.bridge != nil {
		m.bridge.Close(ctx)
	}
	if m.stdin != nil {
		m.stdin.Close()
	}
	if m.lk != nil {
		m.lk.Close(ctx)
	}
	if m.eng != nil {
		m.eng.Close(ctx)
	}
}

func (m *interactiveModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.output.Width = msg.Width - 2
		m.output.Height = min(consoleHeight, max(msg.Height/3, 3))

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			if m.state == stateInputArgs && msg.String() == "q" {
				break
			}
			m.close()
			return m, tea.Quit

		case "up", "k":
			if m.state == stateSelectFunc && m.selected > 0 {
				m.selected--
			}

		case "down", "j":
			if m.state == stateSelectFunc && m.selected < len(m.funcs)-1 {
				m.selected++
			}

		case "pgup", "pgdown":
			var cmd tea.Cmd
			m.output, cmd = m.output.Update(msg)
			return m, cmd

		case "enter":
			switch m.state {
			case stateSelectFunc:
				if len(m.funcs) == 0 {
					break
				}
				m.prepareInputs()
				if len(m.inputs) == 0 {
					return m, m.callFunction
				}
				m.state = stateInputArgs

			case stateInputArgs:
				return m, m.callFunction

			case stateShowResult:
				m.state = stateSelectFunc
				m.result = ""
				m.err = nil
			}

		case "tab":
			if m.state == stateInputArgs && len(m.inputs) > 1 {
				m.inputs[m.focusIdx].Blur()
				m.focusIdx = (m.focusIdx + 1) % len(m.inputs)
				m.inputs[m.focusIdx].Focus()
			}

		case "esc":
			switch m.state {
			case stateInputArgs:
				m.state = stateSelectFunc
				m.inputs = nil
			case stateShowResult:
				m.state = stateSelectFunc
				m.result = ""
				m.err = nil
			}
		}

	case loadedMsg:
		if msg.err != nil {
			m.err = msg.err
			return m, nil
		}
		m.eng = msg.eng
		m.lk = msg.lk
		m.bridge = msg.bridge
		m.stdin = msg.stdin
		m.funcs = msg.funcs
		m.refreshConsole()

	case callResultMsg:
		m.result = msg.result
		m.err = msg.err
		m.state = stateShowResult
		m.refreshConsole()
	}

	if m.state == stateInputArgs {
		var cmds []tea.Cmd
		for i := range m.inputs {
			var cmd tea.Cmd
			m.inputs[i], cmd = m.inputs[i].Update(msg)
			cmds = append(cmds, cmd)
		}
		return m, tea.Batch(cmds...)
	}

	return m, nil
}

func (m *interactiveModel) refreshConsole() {
	m.output.SetContent(m.out.String())
	m.output.GotoBottom()
}

func (m *interactiveModel) prepareInputs() {
	f := m.funcs[m.selected]
	m.inputs = make([]textinput.Model, len(f.params))
	for i, p := range f.params {
		ti := textinput.New()
		ti.Placeholder = api.ValueTypeName(p)
		ti.Prompt = fmt.Sprintf("arg%d: ", i)
		ti.Width = 40
		if i == 0 {
			ti.Focus()
		}
		m.inputs[i] = ti
	}
	m.focusIdx = 0
}

func (m *interactiveModel) callFunction() tea.Msg {
	if m.bridge == nil {
		return callResultMsg{err: fmt.Errorf("guest not loaded")}
	}

	f := m.funcs[m.selected]
	args := make([]uint64, len(m.inputs))
	for i, input := range m.inputs {
		v, err := parseValue(input.Value(), f.params[i])
		if err != nil {
			return callResultMsg{err: fmt.Errorf("arg%d: %w", i, err)}
		}
		args[i] = v
	}

	results, err := m.bridge.Call(context.Background(), f.name, args...)
	if err != nil {
		return callResultMsg{err: err}
	}
	if len(results) == 0 {
		return callResultMsg{result: "ok"}
	}
	return callResultMsg{result: formatResults(f.results, results)}
}

func parseValue(s string, t api.ValueType) (uint64, error) {
	s = strings.TrimSpace(s)
	switch t {
	case api.ValueTypeI32:
		v, err := strconv.ParseInt(s, 0, 32)
		return api.EncodeI32(int32(v)), err
	case api.ValueTypeI64:
		v, err := strconv.ParseInt(s, 0, 64)
		return api.EncodeI64(v), err
	case api.ValueTypeF32:
		v, err := strconv.ParseFloat(s, 32)
		return api.EncodeF32(float32(v)), err
	case api.ValueTypeF64:
		v, err := strconv.ParseFloat(s, 64)
		return api.EncodeF64(v), err
	default:
		return 0, fmt.Errorf("unsupported parameter type %s", api.ValueTypeName(t))
	}
}

func (m *interactiveModel) View() string {
	if m.err != nil && m.state != stateShowResult {
		return errorStyle.Render(fmt.Sprintf("Error: %v\n\nPress q to quit.", m.err))
	}

	if m.bridge == nil {
		return "Loading guest..."
	}

	var b strings.Builder

	b.WriteString(titleStyle.Render("WASI Polyfill"))
	b.WriteString(" ")
	b.WriteString(m.opts.wasmFile)
	b.WriteString("\n\n")

	switch m.state {
	case stateSelectFunc:
		if len(m.funcs) == 0 {
			b.WriteString("Guest exports no callable functions.\n")
			break
		}
		b.WriteString("Select a function to call:\n\n")
		for i, f := range m.funcs {
			if i == m.selected {
				b.WriteString(selectedStyle.Render("> " + formatFunc(f)))
			} else {
				b.WriteString("  " + formatFunc(f))
			}
			b.WriteString("\n")
		}

	case stateInputArgs:
		f := m.funcs[m.selected]
		b.WriteString(fmt.Sprintf("Calling %s\n\n", funcStyle.Render(f.name)))
		for i, input := range m.inputs {
			b.WriteString(input.View())
			b.WriteString(" ")
			b.WriteString(typeStyle.Render(api.ValueTypeName(f.params[i])))
			b.WriteString("\n")
		}

	case stateShowResult:
		f := m.funcs[m.selected]
		b.WriteString(fmt.Sprintf("Result of %s:\n\n", funcStyle.Render(f.name)))
		if m.err != nil {
			b.WriteString(errorStyle.Render(fmt.Sprintf("Error: %v", m.err)))
		} else {
			b.WriteString(resultStyle.Render(m.result))
		}
		b.WriteString("\n")
	}

	b.WriteString("\nConsole:\n")
	b.WriteString(consoleStyle.Render(m.output.View()))
	b.WriteString("\n")

	switch m.state {
	case stateSelectFunc:
		b.WriteString(helpStyle.Render("↑/↓ select • enter call • pgup/pgdown scroll • q quit"))
	case stateInputArgs:
		b.WriteString(helpStyle.Render("tab next field • enter call • esc back"))
	case stateShowResult:
		b.WriteString(helpStyle.Render("enter continue • q quit"))
	}

	return b.String()
}

func formatFunc(f funcInfo) string {
	params := make([]string, len(f.params))
	for i, p := range f.params {
		params[i] = fmt.Sprintf("arg%d: %s", i, typeStyle.Render(api.ValueTypeName(p)))
	}
	result := ""
	if len(f.results) > 0 {
		result = " -> " + typeStyle.Render(formatTypes(f.results))
	}
	return funcStyle.Render(f.name) + "(" + strings.Join(params, ", ") + ")" + result
}

func runInteractive(opts options, logger *zap.Logger) error {
	if !term.IsTerminal(int(os.Stdout.Fd())) || !term.IsTerminal(int(os.Stdin.Fd())) {
		return fmt.Errorf("interactive mode requires a terminal")
	}
	p := tea.NewProgram(newInteractiveModel(opts, logger), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
