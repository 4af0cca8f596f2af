package main

import (
	"context"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"goa.design/lackey/apitypes"
	"goa.design/lackey/runtime/chat/session"
	"goa.design/lackey/runtime/chat/transcript"
)

const inputHeight = 3

type (
	// snapshotMsg carries a session change into the update loop.
	snapshotMsg session.Snapshot
	// sentMsg reports the end of a SendMessage call.
	sentMsg struct{ err error }
	// modelsMsg carries the selectable models.
	modelsMsg struct {
		models []apitypes.ModelInfo
		err    error
	}
)

// chatSession is the subset of *session.Session driven by the UI.
type chatSession interface {
	SendMessage(ctx context.Context, input string) error
	Stop()
	SetModel(id string)
	SetMessages(t transcript.Transcript)
	Snapshot() session.Snapshot
}

type ui struct {
	ctx        context.Context
	sess       chatSession
	listModels func(context.Context) ([]apitypes.ModelInfo, error)

	models   []apitypes.ModelInfo
	modelIdx int
	modelID  string

	input textarea.Model
	view  viewport.Model
	spin  spinner.Model
	snap  session.Snapshot
	err   error
	w, h  int
}

func newUI(ctx context.Context, sess chatSession, modelID string, listModels func(context.Context) ([]apitypes.ModelInfo, error)) *ui {
	ta := textarea.New()
	ta.Placeholder = "Ask lackey…"
	ta.ShowLineNumbers = false
	ta.CharLimit = 0
	ta.SetHeight(inputHeight)
	ta.KeyMap.InsertNewline.SetKeys("alt+enter", "ctrl+j")
	ta.Focus()

	return &ui{
		ctx:        ctx,
		sess:       sess,
		listModels: listModels,
		modelID:    modelID,
		input:      ta,
		view:       viewport.New(0, 0),
		spin:       spinner.New(spinner.WithSpinner(spinner.Points)),
		snap:       sess.Snapshot(),
	}
}

func (u *ui) Init() tea.Cmd {
	return tea.Batch(textarea.Blink, u.fetchModels())
}

func (u *ui) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		u.resize(msg.Width, msg.Height)

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, CurrentKeyMap.Quit):
			return u, tea.Quit
		case key.Matches(msg, CurrentKeyMap.Stop):
			if u.busy() {
				// Stop notifies synchronously; run it off the update loop.
				return u, func() tea.Msg { u.sess.Stop(); return nil }
			}
			return u, nil
		case key.Matches(msg, CurrentKeyMap.Send):
			return u, u.send()
		case key.Matches(msg, CurrentKeyMap.NextModel):
			u.nextModel()
			return u, nil
		case key.Matches(msg, CurrentKeyMap.Clear):
			if !u.busy() {
				return u, func() tea.Msg { u.sess.SetMessages(nil); return nil }
			}
			return u, nil
		case msg.Type == tea.KeyPgUp || msg.Type == tea.KeyPgDown:
			var cmd tea.Cmd
			u.view, cmd = u.view.Update(msg)
			return u, cmd
		}

	case snapshotMsg:
		wasBusy := u.busy()
		u.snap = session.Snapshot(msg)
		u.refresh()
		if u.busy() && !wasBusy {
			cmds = append(cmds, u.spin.Tick)
		}

	case sentMsg:
		u.err = msg.err

	case modelsMsg:
		if msg.err != nil {
			u.err = msg.err
			break
		}
		u.setModels(msg.models)

	case spinner.TickMsg:
		if !u.busy() {
			return u, nil
		}
		var cmd tea.Cmd
		u.spin, cmd = u.spin.Update(msg)
		return u, cmd
	}

	var cmd tea.Cmd
	u.input, cmd = u.input.Update(msg)
	cmds = append(cmds, cmd)
	return u, tea.Batch(cmds...)
}

func (u *ui) View() string {
	if u.w == 0 {
		return ""
	}
	status := renderStatus(u.snap, u.modelName(), u.spin.View(), u.w)
	if u.err != nil {
		status = lipgloss.JoinVertical(lipgloss.Left, status, errorStyle.Render(u.err.Error()))
	}
	return lipgloss.JoinVertical(lipgloss.Left, u.view.View(), u.input.View(), status)
}

func (u *ui) send() tea.Cmd {
	text := u.input.Value()
	if strings.TrimSpace(text) == "" || u.busy() {
		return nil
	}
	u.input.Reset()
	u.err = nil
	return func() tea.Msg {
		return sentMsg{err: u.sess.SendMessage(u.ctx, text)}
	}
}

func (u *ui) fetchModels() tea.Cmd {
	if u.listModels == nil {
		return nil
	}
	return func() tea.Msg {
		models, err := u.listModels(u.ctx)
		return modelsMsg{models: models, err: err}
	}
}

func (u *ui) setModels(models []apitypes.ModelInfo) {
	u.models = models
	u.modelIdx = 0
	for i, m := range models {
		if (u.modelID == "" && m.Default) || m.ID == u.modelID {
			u.modelIdx = i
		}
	}
	if len(models) > 0 {
		u.modelID = models[u.modelIdx].ID
		u.sess.SetModel(u.modelID)
	}
}

func (u *ui) nextModel() {
	if len(u.models) < 2 {
		return
	}
	u.modelIdx = (u.modelIdx + 1) % len(u.models)
	u.modelID = u.models[u.modelIdx].ID
	u.sess.SetModel(u.modelID)
}

func (u *ui) modelName() string {
	if u.modelID == "" {
		return "default model"
	}
	return u.modelID
}

func (u *ui) busy() bool {
	return u.snap.IsLoading || u.snap.IsStreaming
}

func (u *ui) resize(w, h int) {
	u.w, u.h = w, h
	u.input.SetWidth(w)
	// Transcript above, input and a one line status bar below.
	u.view.Width = w
	u.view.Height = max(h-inputHeight-1, 1)
	u.refresh()
}

func (u *ui) refresh() {
	atBottom := u.view.AtBottom()
	u.view.SetContent(renderTranscript(u.snap.Transcript, u.view.Width))
	if atBottom || u.busy() {
		u.view.GotoBottom()
	}
}
