// neo_demo is an interactive prompt/continuation loop on a GPT-Neo model.
//
// It uses github.com/charmbracelet libraries to make for a pretty
// command-line UI.
package main

import (
	"flag"
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/gomlx/exceptions"
)

func main() {
	flag.Parse()

	var p *tea.Program
	err := exceptions.TryCatch[error](func() { p = tea.NewProgram(newUIModel()) })
	if err != nil {
		fmt.Fprintf(os.Stderr, "Alas, there's been an error: %+v", err)
		os.Exit(1)
	}
	finalModel, err := p.Run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Alas, there's been an error: %+v", err)
		os.Exit(1)
	}
	if m, ok := finalModel.(*uiModel); ok && m.err != nil {
		fmt.Fprintf(os.Stderr, "Generation failed: %+v\n", m.err)
		os.Exit(1)
	}
}
