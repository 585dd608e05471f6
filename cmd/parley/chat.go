package main

import (
	"context"
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/parleyhq/parley/internal/client"
	"github.com/parleyhq/parley/internal/render"
)

const proposalTTL = 30 * time.Second

func runChat(args []string) error {
	fs := flag.NewFlagSet("chat", flag.ExitOnError)
	apiBase := fs.String("api", "http://127.0.0.1:8080", "base URL for the parley server")
	conversationID := fs.String("conversation", "", "resume an existing conversation")
	persona := fs.String("persona", "", "persona for a new conversation")
	debug := fs.Bool("debug", false, "request debug ids on results")
	timeout := fs.Duration("timeout", client.DefaultStreamTimeout, "per-turn deadline")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}

	c, err := client.New(*apiBase, "", client.WithStreamTimeout(*timeout))
	if err != nil {
		return err
	}

	cfg := chatConfig{
		Client:         c,
		ConversationID: *conversationID,
		Persona:        *persona,
		Debug:          *debug,
	}
	p := tea.NewProgram(newChatModel(cfg), tea.WithAltScreen())
	_, err = p.Run()
	return err
}

type chatConfig struct {
	Client         *client.Client
	ConversationID string
	Persona        string
	Debug          bool
}

// Turn events cross from the stream goroutine into the program as messages.
type statusMsg struct{ message string }
type answerMsg struct{ text string }
type proposalMsg struct {
	p   client.Proposal
	seq int
}
type conversationMsg struct{ id string }
type titleMsg struct{ title string }
type finishedMsg struct {
	outcome client.Outcome
	answer  string
	failure string
}
type turnClosedMsg struct{}
type proposalExpiredMsg struct{ seq int }
type sideActionMsg struct{ note string }

type transcriptEntry struct {
	role string // "you" or "assistant"
	text string
	fail bool
}

type chatModel struct {
	cfg        chatConfig
	input      textinput.Model
	spin       spinner.Model
	md         *render.Markdown
	turnEvents chan tea.Msg

	width, height int
	busy          bool
	status        string
	title         string
	transcript    []transcriptEntry
	streamingText string
	proposal      *client.Proposal
	proposalSeq   int
	note          string
}

func newChatModel(cfg chatConfig) chatModel {
	ti := textinput.New()
	ti.Placeholder = "Type a message..."
	ti.Focus()
	ti.CharLimit = 4000

	sp := spinner.New()
	sp.Spinner = spinner.Dot

	return chatModel{
		cfg:   cfg,
		input: ti,
		spin:  sp,
		md:    render.NewMarkdown(),
	}
}

func (m chatModel) Init() tea.Cmd {
	return textinput.Blink
}

func (m chatModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "esc":
			return m, tea.Quit
		case "enter":
			return m.submit()
		case "f2", "f3", "f4":
			return m.resolveProposal(msg.String())
		}
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		return m, cmd

	case spinner.TickMsg:
		if !m.busy {
			return m, nil
		}
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd

	case statusMsg:
		m.status = msg.message
		return m, waitForTurnEvent(m.turnEvents)

	case answerMsg:
		m.status = ""
		m.streamingText = msg.text
		return m, waitForTurnEvent(m.turnEvents)

	case proposalMsg:
		p := msg.p
		m.proposal = &p
		m.proposalSeq = msg.seq
		return m, tea.Batch(
			waitForTurnEvent(m.turnEvents),
			expireProposal(msg.seq),
		)

	case proposalExpiredMsg:
		if m.proposal != nil && m.proposalSeq == msg.seq {
			m.proposal = nil
		}
		return m, nil

	case conversationMsg:
		m.cfg.ConversationID = msg.id
		return m, waitForTurnEvent(m.turnEvents)

	case titleMsg:
		m.title = msg.title
		return m, waitForTurnEvent(m.turnEvents)

	case finishedMsg:
		m.busy = false
		m.status = ""
		m.streamingText = ""
		if msg.outcome == client.OutcomeResult {
			m.transcript = append(m.transcript, transcriptEntry{role: "assistant", text: msg.answer})
		} else {
			m.transcript = append(m.transcript, transcriptEntry{role: "assistant", text: msg.failure, fail: true})
		}
		m.input.Focus()
		return m, waitForTurnEvent(m.turnEvents)

	case turnClosedMsg:
		m.busy = false
		m.input.Focus()
		return m, nil

	case sideActionMsg:
		m.note = msg.note
		return m, nil

	default:
		return m, nil
	}
}

func (m chatModel) submit() (tea.Model, tea.Cmd) {
	text := strings.TrimSpace(m.input.Value())
	if text == "" || m.busy {
		return m, nil
	}

	m.transcript = append(m.transcript, transcriptEntry{role: "you", text: text})
	m.input.SetValue("")
	m.input.Blur()
	m.busy = true
	m.status = "thinking"
	m.streamingText = ""
	m.note = ""
	m.turnEvents = make(chan tea.Msg, 32)

	return m, tea.Batch(
		m.spin.Tick,
		startTurn(m.cfg, text, m.turnEvents, m.proposalSeq),
		waitForTurnEvent(m.turnEvents),
	)
}

func (m chatModel) resolveProposal(key string) (tea.Model, tea.Cmd) {
	if m.proposal == nil {
		return m, nil
	}
	p := *m.proposal
	m.proposal = nil
	c := m.cfg.Client
	convID := m.cfg.ConversationID

	// Optimistic: the affordance is gone either way, failures surface as a
	// one-line note and never block further turns.
	switch key {
	case "f2":
		return m, func() tea.Msg {
			if err := c.ConfirmMemory(context.Background(), convID, p, "conversation"); err != nil {
				return sideActionMsg{note: "could not save memory: " + err.Error()}
			}
			return sideActionMsg{note: "remembered for this conversation"}
		}
	case "f3":
		return m, func() tea.Msg {
			if err := c.ConfirmMemory(context.Background(), convID, p, "permanent"); err != nil {
				return sideActionMsg{note: "could not save memory: " + err.Error()}
			}
			return sideActionMsg{note: "remembered permanently"}
		}
	default:
		return m, func() tea.Msg {
			_ = c.RejectMemory(context.Background(), convID, p)
			return sideActionMsg{note: "proposal dismissed"}
		}
	}
}

// turnHandler forwards dispatcher callbacks into the program's message loop.
type turnHandler struct {
	out chan<- tea.Msg
	seq int
}

func (h *turnHandler) StatusChanged(message, _ string) { h.out <- statusMsg{message: message} }
func (h *turnHandler) AnswerChanged(text string)       { h.out <- answerMsg{text: text} }
func (h *turnHandler) ProposalOffered(p client.Proposal) {
	h.seq++
	h.out <- proposalMsg{p: p, seq: h.seq}
}
func (h *turnHandler) ConversationEstablished(id string) { h.out <- conversationMsg{id: id} }
func (h *turnHandler) TitleChanged(title string)         { h.out <- titleMsg{title: title} }
func (h *turnHandler) Finished(outcome client.Outcome, answer, failure string) {
	h.out <- finishedMsg{outcome: outcome, answer: answer, failure: failure}
}

func startTurn(cfg chatConfig, message string, out chan tea.Msg, seq int) tea.Cmd {
	return func() tea.Msg {
		go func() {
			defer close(out)
			h := &turnHandler{out: out, seq: seq}
			opts := client.SendOptions{Persona: cfg.Persona, Debug: cfg.Debug}
			_, _ = cfg.Client.Send(context.Background(), message, cfg.ConversationID, opts, h)
		}()
		return nil
	}
}

func waitForTurnEvent(in <-chan tea.Msg) tea.Cmd {
	if in == nil {
		return nil
	}
	return func() tea.Msg {
		msg, ok := <-in
		if !ok {
			return turnClosedMsg{}
		}
		return msg
	}
}

func expireProposal(seq int) tea.Cmd {
	return tea.Tick(proposalTTL, func(time.Time) tea.Msg {
		return proposalExpiredMsg{seq: seq}
	})
}

func (m chatModel) View() string {
	accent := lipgloss.Color("#7C3AED")
	width := m.width
	if width <= 0 {
		width = 80
	}

	header := m.title
	if header == "" {
		header = "parley chat"
	}
	title := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#F5F3FF")).
		Background(accent).
		Padding(0, 1).
		Render(header)

	youStyle := lipgloss.NewStyle().Bold(true).Foreground(accent)
	failStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("#EF4444"))

	var body strings.Builder
	for _, e := range m.transcript {
		if e.role == "you" {
			body.WriteString(youStyle.Render("you") + " " + e.text + "\n")
			continue
		}
		if e.fail {
			body.WriteString(failStyle.Render("! "+e.text) + "\n")
			continue
		}
		body.WriteString(m.md.Render(e.text, width-2) + "\n")
	}
	if m.streamingText != "" {
		body.WriteString(m.md.Render(m.streamingText, width-2) + "\n")
	}

	var footer []string
	if m.busy && m.status != "" {
		footer = append(footer, m.spin.View()+" "+m.status)
	}
	if m.proposal != nil {
		prompt := fmt.Sprintf("remember %q? f2: this conversation  f3: always  f4: dismiss", m.proposal.Fact)
		footer = append(footer, lipgloss.NewStyle().Foreground(accent).Render(prompt))
	}
	if m.note != "" {
		footer = append(footer, lipgloss.NewStyle().Faint(true).Render(m.note))
	}
	footer = append(footer, m.input.View())
	footer = append(footer, lipgloss.NewStyle().Faint(true).Render("enter: send  esc: quit"))

	return strings.Join([]string{title, body.String(), strings.Join(footer, "\n")}, "\n")
}
