package main

import (
	"flag"
	"os"

	"github.com/gomlx/gptneo/pipeline"
	"github.com/janpfeifer/must"

	_ "github.com/gomlx/gomlx/backends/xla"
)

var (
	flagModel       = flag.String("model", "EleutherAI/gpt-neo-125M", "HuggingFace id of the GPT-Neo model to load.")
	flagDataDir     = flag.String("data", "~/.cache/gptneo", "Directory to cache downloaded model files.")
	flagDevice      = flag.Int("device", pipeline.DeviceCPU, "Accelerator device to run on, negative runs on the CPU.")
	flagMaxTokens   = flag.Int("max_tokens", 512, "Maximum number of tokens to generate per prompt.")
	flagTemperature = flag.Float64("temperature", 0, "Sampling temperature in (0, 1]. 0 selects greedy decoding.")
)

// BuildPipeline from flags. Panics in case of error.
//
// The HuggingFace token, if needed, is taken from $HF_TOKEN.
func BuildPipeline() *pipeline.Pipeline {
	return must.M1(pipeline.New(pipeline.Config{
		Task:               pipeline.TaskTextGeneration,
		Model:              *flagModel,
		Device:             *flagDevice,
		CacheDir:           *flagDataDir,
		AuthToken:          os.Getenv("HF_TOKEN"),
		MaxGeneratedTokens: *flagMaxTokens,
	}))
}

// newRequest for one continuation of the prompt, sampled if --temperature
// is set.
func newRequest(prompt string) pipeline.Request {
	req := pipeline.Request{
		Prompt:             prompt,
		NumReturnSequences: 1,
	}
	if *flagTemperature > 0 {
		req.DoSample = true
		req.Temperature = *flagTemperature
	}
	return req
}
