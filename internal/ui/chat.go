package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
)

// LineKind tells how a chat line is drawn.
type LineKind int

const (
	LineSelf LineKind = iota
	LinePeer
	LineSystem
)

// Line is one entry of the chat log.
type Line struct {
	Kind LineKind
	Name string
	Text string
	At   time.Time
}

// LineMsg appends a line to the log.
type LineMsg Line

// StatusMsg replaces the status shown in the header.
type StatusMsg string

// EndMsg prints a final line and closes the screen.
type EndMsg string

// ChatConfig wires the chat screen to the session.
type ChatConfig struct {
	Title   string
	Name    string
	Status  string
	History []Line

	// Send delivers text typed by the user.
	Send func(text string) error
	// Mute toggles the microphone and reports whether it is now muted. Nil
	// when there is no microphone.
	Mute func() bool
	// Who renders the current sessions.
	Who func() string
}

const helpText = "enter send • /mute • /who • /quit • ctrl+c leave"

type chatModel struct {
	cfg     ChatConfig
	input   textinput.Model
	log     viewport.Model
	spinner spinner.Model
	status  string
	lines   []Line
	ended   bool
}

func newChatModel(cfg ChatConfig) *chatModel {
	in := textinput.New()
	in.Placeholder = "Say something..."
	in.Prompt = IconChat + " "
	in.CharLimit = 1000
	in.Focus()

	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = SpinnerStyle

	m := &chatModel{
		cfg:     cfg,
		input:   in,
		log:     viewport.New(80, 15),
		spinner: s,
		status:  cfg.Status,
		lines:   append([]Line(nil), cfg.History...),
	}
	m.refresh()
	return m
}

func (m *chatModel) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.spinner.Tick)
}

func (m *chatModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			m.ended = true
			return m, tea.Quit
		case tea.KeyEnter:
			text := strings.TrimSpace(m.input.Value())
			m.input.Reset()
			if text == "" {
				return m, nil
			}
			if strings.HasPrefix(text, "/") {
				return m, m.command(text)
			}
			m.submit(text)
			return m, nil
		}

	case tea.WindowSizeMsg:
		m.log.Width = msg.Width
		m.log.Height = max(3, msg.Height-5)
		m.input.Width = max(10, msg.Width-6)
		m.refresh()

	case LineMsg:
		m.append(Line(msg))
		return m, nil

	case StatusMsg:
		m.status = string(msg)
		return m, nil

	case EndMsg:
		m.append(Line{Kind: LineSystem, Text: string(msg), At: time.Now()})
		m.ended = true
		return m, tea.Quit

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	cmds = append(cmds, cmd)
	m.log, cmd = m.log.Update(msg)
	cmds = append(cmds, cmd)
	return m, tea.Batch(cmds...)
}

func (m *chatModel) submit(text string) {
	if m.cfg.Send == nil {
		return
	}
	if err := m.cfg.Send(text); err != nil {
		m.append(Line{Kind: LineSystem, Text: "not sent: " + err.Error(), At: time.Now()})
		return
	}
	m.append(Line{Kind: LineSelf, Name: m.cfg.Name, Text: text, At: time.Now()})
}

func (m *chatModel) command(text string) tea.Cmd {
	switch strings.Fields(text)[0] {
	case "/quit", "/leave":
		m.ended = true
		return tea.Quit
	case "/mute":
		if m.cfg.Mute == nil {
			m.system("no microphone attached")
			return nil
		}
		if m.cfg.Mute() {
			m.system(IconMuted + " microphone muted")
		} else {
			m.system(IconMic + " microphone live")
		}
	case "/who":
		if m.cfg.Who != nil {
			m.system("\n" + m.cfg.Who())
		}
	default:
		m.system("unknown command " + text + " (" + helpText + ")")
	}
	return nil
}

func (m *chatModel) system(text string) {
	m.append(Line{Kind: LineSystem, Text: text, At: time.Now()})
}

func (m *chatModel) append(l Line) {
	m.lines = append(m.lines, l)
	m.refresh()
}

func (m *chatModel) refresh() {
	var b strings.Builder
	for i, l := range m.lines {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(renderLine(l))
	}
	m.log.SetContent(b.String())
	m.log.GotoBottom()
}

func renderLine(l Line) string {
	stamp := ""
	if !l.At.IsZero() {
		stamp = MutedStyle.Render(l.At.Format("15:04")) + " "
	}
	switch l.Kind {
	case LineSystem:
		return stamp + SystemStyle.Render(l.Text)
	case LineSelf:
		return stamp + SelfNameStyle.Render(l.Name+":") + " " + l.Text
	default:
		return stamp + PeerNameStyle.Render(l.Name+":") + " " + l.Text
	}
}

func (m *chatModel) View() string {
	header := HeaderStyle.Render(m.cfg.Title)
	if m.status != "" {
		header += " " + m.spinner.View() + " " + MutedStyle.Render(m.status)
	}
	if m.ended {
		return header + "\n" + m.log.View() + "\n"
	}
	return fmt.Sprintf("%s\n%s\n\n%s\n%s", header, m.log.View(), m.input.View(), FooterStyle.Render(helpText))
}

// Chat is the interactive chat screen.
type Chat struct {
	program *tea.Program
	model   *chatModel
}

func NewChat(cfg ChatConfig) *Chat {
	m := newChatModel(cfg)
	return &Chat{model: m, program: tea.NewProgram(m)}
}

// Run blocks until the user leaves or End is called.
func (c *Chat) Run() error {
	_, err := c.program.Run()
	return err
}

// Print appends a line. Safe from any goroutine.
func (c *Chat) Print(l Line) {
	if l.At.IsZero() {
		l.At = time.Now()
	}
	c.program.Send(LineMsg(l))
}

func (c *Chat) SetStatus(status string) {
	c.program.Send(StatusMsg(status))
}

// End shows text and closes the screen.
func (c *Chat) End(text string) {
	c.program.Send(EndMsg(text))
}

// Lines returns every line shown so far. Only valid after Run returns.
func (c *Chat) Lines() []Line {
	return c.model.lines
}
