package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"

	"specforge/internal/scaffold"
)

var errInitCancelled = errors.New("init cancelled")

// initForm walks the scaffold questions with a single text input. Enter
// records the answer and moves on; Up returns to the previous question with
// its answer restored.
type initForm struct {
	questions []scaffold.Question
	values    map[string]string
	pos       int
	input     textinput.Model
	finished  bool
	cancelled bool
}

func newInitForm(questions []scaffold.Question) initForm {
	f := initForm{
		questions: questions,
		values:    make(map[string]string, len(questions)),
		input:     textinput.New(),
	}
	f.input.CharLimit = 128
	f.input.Focus()
	f.load()
	return f
}

// load points the input at the current question.
func (f *initForm) load() {
	if f.pos >= len(f.questions) {
		return
	}
	q := f.questions[f.pos]
	f.input.Placeholder = q.Default
	f.input.SetValue(f.values[q.Key])
	f.input.CursorEnd()
}

func (f initForm) Init() tea.Cmd { return textinput.Blink }

func (f initForm) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	key, ok := msg.(tea.KeyMsg)
	if !ok {
		var cmd tea.Cmd
		f.input, cmd = f.input.Update(msg)
		return f, cmd
	}
	switch key.Type {
	case tea.KeyCtrlC, tea.KeyEsc:
		f.cancelled = true
		return f, tea.Quit
	case tea.KeyUp:
		if f.pos > 0 {
			f.values[f.questions[f.pos].Key] = f.input.Value()
			f.pos--
			f.load()
		}
		return f, nil
	case tea.KeyEnter:
		f.values[f.questions[f.pos].Key] = strings.TrimSpace(f.input.Value())
		f.pos++
		if f.pos == len(f.questions) {
			f.finished = true
			return f, tea.Quit
		}
		f.load()
		return f, nil
	}
	var cmd tea.Cmd
	f.input, cmd = f.input.Update(msg)
	return f, cmd
}

func (f initForm) View() string {
	if f.finished || f.cancelled || f.pos >= len(f.questions) {
		return ""
	}
	var b strings.Builder
	for _, q := range f.questions[:f.pos] {
		v := f.values[q.Key]
		if v == "" {
			v = q.Default
		}
		fmt.Fprintf(&b, "  %s: %s\n", q.Prompt, v)
	}
	q := f.questions[f.pos]
	fmt.Fprintf(&b, "(%d/%d) %s [%s]: %s\n", f.pos+1, len(f.questions), q.Prompt, q.Default, f.input.View())
	return b.String()
}

// answers converts the recorded values; blanks take the scaffold defaults.
func (f initForm) answers() scaffold.Answers {
	return scaffold.AnswersFrom(f.values)
}

// askInit runs the form on the terminal.
func askInit(questions []scaffold.Question) (scaffold.Answers, error) {
	if len(questions) == 0 {
		return scaffold.Defaults(), nil
	}
	result, err := tea.NewProgram(newInitForm(questions)).Run()
	if err != nil {
		return scaffold.Answers{}, err
	}
	f, ok := result.(initForm)
	if !ok || !f.finished {
		return scaffold.Answers{}, errInitCancelled
	}
	return f.answers(), nil
}
