package main

import "github.com/charmbracelet/bubbles/key"

// KeyMap lists the TUI bindings.
type KeyMap struct {
	Send      key.Binding
	Stop      key.Binding
	NextModel key.Binding
	Clear     key.Binding
	Quit      key.Binding
}

var CurrentKeyMap = KeyMap{
	Send:      key.NewBinding(key.WithKeys("enter"), key.WithHelp("enter", "send")),
	Stop:      key.NewBinding(key.WithKeys("esc"), key.WithHelp("esc", "stop")),
	NextModel: key.NewBinding(key.WithKeys("ctrl+n"), key.WithHelp("ctrl+n", "model")),
	Clear:     key.NewBinding(key.WithKeys("ctrl+l"), key.WithHelp("ctrl+l", "clear")),
	Quit:      key.NewBinding(key.WithKeys("ctrl+c"), key.WithHelp("ctrl+c", "quit")),
}

func (k KeyMap) hints() []key.Binding {
	return []key.Binding{k.Send, k.Stop, k.NextModel, k.Clear, k.Quit}
}
