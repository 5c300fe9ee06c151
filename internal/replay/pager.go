package replay

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/reflow/wordwrap"
)

var (
	pagerTitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")).
			Background(lipgloss.Color("62")).
			Padding(0, 1)

	pagerInfoStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("8"))
)

// runPager shows content in an alt-screen viewport with basic search.
func runPager(title, content string) error {
	prog := tea.NewProgram(
		&pagerModel{title: title, content: content},
		tea.WithAltScreen(),
		tea.WithMouseCellMotion(),
	)
	_, err := prog.Run()
	return err
}

type pagerModel struct {
	viewport viewport.Model
	title    string
	content  string
	wrapped  string
	ready    bool

	searching   bool
	searchInput textinput.Model
	searchQuery string
	searchLines []int
	searchIndex int
}

func (m *pagerModel) Init() tea.Cmd { return nil }

func (m *pagerModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	if m.searching {
		if key, ok := msg.(tea.KeyMsg); ok {
			switch key.String() {
			case "enter":
				m.searchQuery = m.searchInput.Value()
				m.searching = false
				m.executeSearch()
				if len(m.searchLines) > 0 {
					m.jumpToMatch(0)
				}
				return m, nil
			case "esc", "ctrl+c":
				m.searching = false
				m.searchQuery = ""
				m.searchLines = nil
				return m, nil
			}
		}
		m.searchInput, cmd = m.searchInput.Update(msg)
		return m, cmd
	}

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		case "g":
			m.viewport.GotoTop()
		case "G":
			m.viewport.GotoBottom()
		case "/":
			m.searching = true
			m.searchInput = textinput.New()
			m.searchInput.Placeholder = "Search..."
			m.searchInput.Focus()
			m.searchInput.Width = 40
			return m, textinput.Blink
		case "n":
			if len(m.searchLines) > 0 {
				m.searchIndex = (m.searchIndex + 1) % len(m.searchLines)
				m.jumpToMatch(m.searchIndex)
			}
		case "N":
			if len(m.searchLines) > 0 {
				m.searchIndex--
				if m.searchIndex < 0 {
					m.searchIndex = len(m.searchLines) - 1
				}
				m.jumpToMatch(m.searchIndex)
			}
		}

	case tea.WindowSizeMsg:
		headerHeight, footerHeight := 1, 1
		if !m.ready {
			m.viewport = viewport.New(msg.Width, msg.Height-headerHeight-footerHeight)
			m.viewport.YPosition = headerHeight
			m.ready = true
		} else {
			m.viewport.Width = msg.Width
			m.viewport.Height = msg.Height - headerHeight - footerHeight
		}
		m.wrapped = wrapContent(m.content, msg.Width)
		m.viewport.SetContent(m.wrapped)
		if m.searchQuery != "" {
			m.executeSearch()
		}
	}

	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

func (m *pagerModel) executeSearch() {
	m.searchLines = nil
	m.searchIndex = 0
	if m.searchQuery == "" {
		return
	}
	query := strings.ToLower(m.searchQuery)
	for i, line := range strings.Split(m.wrapped, "\n") {
		if strings.Contains(strings.ToLower(line), query) {
			m.searchLines = append(m.searchLines, i)
		}
	}
}

func (m *pagerModel) jumpToMatch(index int) {
	if index < 0 || index >= len(m.searchLines) {
		return
	}
	target := m.searchLines[index] - m.viewport.Height/2
	if target < 0 {
		target = 0
	}
	if max := m.viewport.TotalLineCount() - m.viewport.Height; target > max && max >= 0 {
		target = max
	}
	m.viewport.YOffset = target
}

func (m *pagerModel) View() string {
	if !m.ready {
		return "\n  Loading..."
	}

	title := pagerTitleStyle.Render(m.title)
	line := strings.Repeat("─", maxInt(0, m.viewport.Width-lipgloss.Width(title)))
	header := lipgloss.JoinHorizontal(lipgloss.Center, title, pagerInfoStyle.Render(line))

	var footer string
	if m.searching {
		footer = "/" + m.searchInput.View()
	} else {
		help := " q: quit │ /: search │ n/N: next/prev │ g/G: top/bottom "
		if len(m.searchLines) > 0 {
			help = fmt.Sprintf(" [%d/%d] │ n/N: next/prev │ q: quit ", m.searchIndex+1, len(m.searchLines))
		}
		footer = pagerInfoStyle.Render(help +
			strings.Repeat("─", maxInt(0, m.viewport.Width-lipgloss.Width(help))))
	}

	return header + "\n" + m.viewport.View() + "\n" + footer
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// wrapContent wraps long lines while keeping the timeline's column
// prefixes aligned on continuation lines.
func wrapContent(content string, width int) string {
	if width <= 0 {
		return content
	}

	var result []string
	for _, line := range strings.Split(content, "\n") {
		if lipgloss.Width(line) <= width {
			result = append(result, line)
			continue
		}

		if last := strings.LastIndex(line, "│"); last > 0 && last < len(line)-1 {
			prefixWidth := lipgloss.Width(line[:last+1]) + 1
			contentWidth := maxInt(20, width-prefixWidth)

			start := last + 1
			for start < len(line) && line[start] == ' ' {
				start++
			}
			wrapped := strings.Split(wordwrap.String(line[start:], contentWidth), "\n")
			result = append(result, line[:start]+wrapped[0])
			indent := strings.Repeat(" ", prefixWidth)
			for _, cont := range wrapped[1:] {
				result = append(result, indent+cont)
			}
			continue
		}

		result = append(result, strings.Split(wordwrap.String(line, width), "\n")...)
	}
	return strings.Join(result, "\n")
}
