package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/wippyai/nativemod"
	"github.com/wippyai/nativemod/manager"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	nameStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#98FB98"))

	flagStyle = lipgloss.NewStyle().
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
)

type browseState int

const (
	stateList browseState = iota
	stateInput
	stateDetail
)

type moduleInfo struct {
	key      string
	name     string
	path     string
	flags    nativemod.Flags
	bytecode int
	refs     int32
}

type browseModel struct {
	err      error
	ctx      context.Context
	m        *manager.Manager
	status   string
	mods     []moduleInfo
	input    textinput.Model
	selected int
	state    browseState
}

type refreshMsg struct {
	mods []moduleInfo
}

type actionMsg struct {
	err    error
	status string
}

func newBrowseModel(ctx context.Context, m *manager.Manager) *browseModel {
	ti := textinput.New()
	ti.Placeholder = "name or pathkey/name"
	ti.Prompt = "load: "
	ti.Width = 48
	return &browseModel{
		ctx:   ctx,
		m:     m,
		input: ti,
		state: stateList,
	}
}

func (b *browseModel) Init() tea.Cmd {
	return b.refresh
}

func (b *browseModel) refresh() tea.Msg {
	reg := b.m.Registry()
	var mods []moduleInfo
	for _, mod := range reg.Modules() {
		key, _ := reg.Key(mod.Handle())
		mods = append(mods, moduleInfo{
			key:      key,
			name:     mod.Name(),
			path:     mod.ResolvedPath(),
			flags:    mod.Flags(),
			bytecode: len(mod.Bytecode()),
			refs:     mod.RefCount(),
		})
	}
	return refreshMsg{mods: mods}
}

// parseTarget reads "name" as a system module and "pathkey/name" as an
// application module under pathkey.
func parseTarget(s string) manager.LoadRequest {
	s = strings.TrimSpace(s)
	if key, name, ok := strings.Cut(s, "/"); ok && key != "" && name != "" {
		return manager.LoadRequest{Name: name, PathKey: key, IsApp: true}
	}
	return manager.LoadRequest{Name: s}
}

func (b *browseModel) load(target string) tea.Cmd {
	return func() tea.Msg {
		req := parseTarget(target)
		if req.Name == "" {
			return actionMsg{err: fmt.Errorf("empty module name")}
		}
		mod, err := b.m.LoadNativeModule(b.ctx, req)
		if err != nil {
			return actionMsg{err: err}
		}
		return actionMsg{status: fmt.Sprintf("loaded %s (%s)", req.Key(), mod.Flags())}
	}
}

func (b *browseModel) unload(key string) tea.Cmd {
	return func() tea.Msg {
		if err := b.m.UnloadNativeModule(key); err != nil {
			return actionMsg{err: err}
		}
		return actionMsg{status: "unloaded " + key}
	}
}

func (b *browseModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if b.state == stateInput {
			switch msg.String() {
			case "ctrl+c":
				return b, tea.Quit
			case "enter":
				target := b.input.Value()
				b.input.Reset()
				b.input.Blur()
				b.state = stateList
				return b, b.load(target)
			case "esc":
				b.input.Reset()
				b.input.Blur()
				b.state = stateList
				return b, nil
			}
			var cmd tea.Cmd
			b.input, cmd = b.input.Update(msg)
			return b, cmd
		}

		switch msg.String() {
		case "ctrl+c", "q":
			return b, tea.Quit

		case "up", "k":
			if b.state == stateList && b.selected > 0 {
				b.selected--
			}

		case "down", "j":
			if b.state == stateList && b.selected < len(b.mods)-1 {
				b.selected++
			}

		case "enter":
			switch b.state {
			case stateList:
				if len(b.mods) > 0 {
					b.state = stateDetail
				}
			case stateDetail:
				b.state = stateList
			}

		case "esc":
			b.state = stateList

		case "l":
			if b.state == stateList {
				b.state = stateInput
				b.status, b.err = "", nil
				return b, b.input.Focus()
			}

		case "u":
			if b.state == stateList && len(b.mods) > 0 {
				return b, b.unload(b.mods[b.selected].key)
			}

		case "r":
			return b, b.refresh
		}

	case refreshMsg:
		b.mods = msg.mods
		if b.selected >= len(b.mods) {
			b.selected = max(len(b.mods)-1, 0)
		}

	case actionMsg:
		b.status = msg.status
		b.err = msg.err
		return b, b.refresh
	}

	return b, nil
}

func (b *browseModel) View() string {
	var s strings.Builder

	s.WriteString(titleStyle.Render("Native Modules"))
	s.WriteString(" ")
	s.WriteString(b.m.Platform().Name())
	s.WriteString("\n\n")

	switch b.state {
	case stateList, stateInput:
		if len(b.mods) == 0 {
			s.WriteString("No modules registered.\n")
		}
		for i, mi := range b.mods {
			line := b.formatModule(mi)
			if i == b.selected && b.state == stateList {
				s.WriteString(selectedStyle.Render("> " + line))
			} else {
				s.WriteString("  " + line)
			}
			s.WriteString("\n")
		}
		s.WriteString("\n")
		if b.state == stateInput {
			s.WriteString(b.input.View())
			s.WriteString("\n\n")
			s.WriteString(helpStyle.Render("enter load • esc back"))
			break
		}
		if b.err != nil {
			s.WriteString(errorStyle.Render(fmt.Sprintf("Error: %v", b.err)))
			s.WriteString("\n\n")
		} else if b.status != "" {
			s.WriteString(resultStyle.Render(b.status))
			s.WriteString("\n\n")
		}
		s.WriteString(helpStyle.Render("↑/↓ select • enter details • l load • u unload • r refresh • q quit"))

	case stateDetail:
		mi := b.mods[b.selected]
		path := mi.path
		if path == nativemod.NoPath {
			path = "(built-in)"
		}
		fmt.Fprintf(&s, "%s\n\n", nameStyle.Render(mi.name))
		fmt.Fprintf(&s, "key       %s\n", mi.key)
		fmt.Fprintf(&s, "path      %s\n", path)
		fmt.Fprintf(&s, "flags     %s\n", flagStyle.Render(mi.flags.String()))
		fmt.Fprintf(&s, "bytecode  %d bytes\n", mi.bytecode)
		fmt.Fprintf(&s, "refs      %d\n", mi.refs)
		s.WriteString("\n")
		s.WriteString(helpStyle.Render("enter/esc back • q quit"))
	}

	return s.String()
}

func (b *browseModel) formatModule(mi moduleInfo) string {
	return nameStyle.Render(mi.key) + " " + flagStyle.Render("["+mi.flags.String()+"]")
}

func runBrowse(ctx context.Context, m *manager.Manager) error {
	p := tea.NewProgram(newBrowseModel(ctx, m), tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := p.Run()
	return err
}

func newBrowseCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "browse",
		Short: "Browse, load and unload modules interactively",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runBrowse(cmd.Context(), a.m)
		},
	}
}
