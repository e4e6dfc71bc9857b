// neo_generate loads the pretrained GPT-Neo 2.7B model and prints one
// sampled continuation of the built-in prompt to stdout, one line.
//
// Diagnostics go to stderr (see also klog's -v flag), so stdout can be piped.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/gomlx/gptneo/pipeline"

	_ "github.com/gomlx/gomlx/backends/xla"
)

const (
	model  = "EleutherAI/gpt-neo-2.7B"
	prompt = "EleutherAI has"
)

var (
	flagDataDir = flag.String("data", "~/.cache/gptneo", "Directory to cache downloaded model files.")
	flagDevice  = flag.Int("device", 0, "Accelerator device to run on, negative runs on the CPU.")
	flagToken   = flag.String("hf_token", "", "HuggingFace authentication token, for gated models. Defaults to $HF_TOKEN.")
)

func main() {
	flag.Parse()
	token := *flagToken
	if token == "" {
		token = os.Getenv("HF_TOKEN")
	}

	p, err := pipeline.New(pipeline.Config{
		Task:      pipeline.TaskTextGeneration,
		Model:     model,
		Device:    *flagDevice,
		CacheDir:  *flagDataDir,
		AuthToken: token,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "%+v\n", err)
		os.Exit(1)
	}

	sequences, err := p.Generate(pipeline.Request{
		Prompt:             prompt,
		DoSample:           true,
		MinLength:          50,
		MaxLength:          100,
		Temperature:        0.7,
		NumReturnSequences: 1,
		PadTokenID:         p.EosTokenID(),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "%+v\n", err)
		os.Exit(1)
	}
	if err = pipeline.Report(os.Stdout, sequences); err != nil {
		fmt.Fprintf(os.Stderr, "%+v\n", err)
		os.Exit(1)
	}
}
