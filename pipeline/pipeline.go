// Package pipeline is the high-level entry point for text generation with
// GPT-Neo models: it binds a pretrained model from HuggingFace to a device
// and turns generation requests into generated sequences.
//
// The flow is New(Config) once, then Generate(Request) per prompt and
// Report to print the result:
//
//	p, err := pipeline.New(pipeline.Config{
//		Task:  pipeline.TaskTextGeneration,
//		Model: "EleutherAI/gpt-neo-2.7B",
//	})
//	...
//	seqs, err := p.Generate(pipeline.Request{Prompt: "EleutherAI has", ...})
//	...
//	err = pipeline.Report(os.Stdout, seqs)
package pipeline

import (
	"fmt"
	"io"
	"path"

	"github.com/gomlx/gptneo/bpe"
	"github.com/gomlx/gptneo/download/huggingface"
	"github.com/gomlx/gptneo/samplers"
	"github.com/gomlx/gptneo/weights"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// TaskTextGeneration is the only task this pipeline implements.
const TaskTextGeneration = "text-generation"

// DefaultMaxGeneratedTokens bounds generation for requests that leave
// Request.MaxLength unset.
const DefaultMaxGeneratedTokens = 512

// Config selects the model and the device a Pipeline runs on.
type Config struct {
	// Task must be TaskTextGeneration.
	Task string

	// Model is the HuggingFace model id, e.g. "EleutherAI/gpt-neo-2.7B".
	Model string

	// Device index of the accelerator to run on. DeviceCPU (or any negative
	// value) runs on the host CPU.
	Device int

	// CacheDir is where downloaded models are stored. Defaults to
	// "~/.cache/gptneo". A "~" prefix is expanded to the user's home.
	CacheDir string

	// AuthToken is the HuggingFace token used for the download, if needed.
	AuthToken string

	// MaxGeneratedTokens for requests without an explicit maximum length.
	// Defaults to DefaultMaxGeneratedTokens.
	MaxGeneratedTokens int
}

// Request describes one generation call.
type Request struct {
	// Prompt the model continues from.
	Prompt string

	// DoSample switches from greedy decoding (false) to random sampling.
	DoSample bool

	// MinLength and MaxLength bound the total sequence length in tokens,
	// prompt included. The end-of-sentence token is suppressed while a
	// sequence is shorter than MinLength. MaxLength 0 defaults to the prompt
	// length plus the pipeline's MaxGeneratedTokens.
	MinLength int
	MaxLength int

	// Temperature divides the logits before sampling, in (0, 1]. Required
	// when DoSample is set, unused otherwise.
	Temperature float64

	// NumReturnSequences is how many independently generated sequences to
	// return for the prompt.
	NumReturnSequences int

	// PadTokenID fills finished sequences while the rest of the batch is
	// still generating. 0 means the tokenizer's pad token.
	PadTokenID int

	// TopK restricts sampling to the k highest logits. 0 disables it.
	TopK int

	// Seed of the sampling random number generator. Non-positive values draw
	// a fresh seed; repeated calls with the same positive seed and request
	// generate the same text.
	Seed int64
}

// GeneratedSequence is one generation result.
type GeneratedSequence struct {
	// Text is the prompt followed by the generated continuation.
	Text string
}

// Generator generates text from a request. *Pipeline implements it; tests
// can substitute their own.
type Generator interface {
	Generate(req Request) ([]GeneratedSequence, error)
}

// Pipeline binds the GPT-Neo text generation capability to a loaded model
// on a device.
//
// Not safe for concurrent Generate calls.
type Pipeline struct {
	Config Config

	vocab   *bpe.Tokenizer
	sampler *samplers.Sampler
}

var _ Generator = (*Pipeline)(nil)

// New downloads (or reuses from Config.CacheDir) the configured model,
// initializes the requested device and builds the generation pipeline on it.
//
// Failures to set up the device return ErrDevice, everything about
// resolving the model to a runnable checkpoint returns ErrModelLoad.
func New(config Config) (*Pipeline, error) {
	if config.Task != TaskTextGeneration {
		return nil, errors.Wrapf(ErrInvalidParameter, "unsupported task %q, only %q is implemented", config.Task, TaskTextGeneration)
	}
	if config.Model == "" {
		return nil, errors.WithMessage(ErrModelLoad, "no model id configured")
	}
	if config.CacheDir == "" {
		config.CacheDir = path.Join("~", ".cache", "gptneo")
	}
	if config.MaxGeneratedTokens <= 0 {
		config.MaxGeneratedTokens = DefaultMaxGeneratedTokens
	}

	backend, err := newBackend(config.Device)
	if err != nil {
		return nil, err
	}

	hfm, err := huggingface.Download(config.Model, config.AuthToken, config.CacheDir)
	if err != nil {
		return nil, errors.Wrapf(ErrModelLoad, "downloading %q: %v", config.Model, err)
	}
	vocab, err := bpe.NewFromDir(huggingface.TokenizerDir(hfm))
	if err != nil {
		return nil, errors.Wrapf(ErrModelLoad, "reading tokenizer of %q: %v", config.Model, err)
	}
	checkpoint, err := weights.ReadCheckpoint(hfm)
	if err != nil {
		return nil, errors.Wrapf(ErrModelLoad, "reading checkpoint of %q: %v", config.Model, err)
	}
	if metadata, err := weights.LoadMetadata(hfm.BaseDir); err == nil {
		klog.V(1).Infof("Checkpoint %q: %s", config.Model, metadata)
	}

	sampler, err := samplers.New(backend, vocab, checkpoint, config.MaxGeneratedTokens)
	if err != nil {
		return nil, errors.Wrapf(ErrModelLoad, "building model %q: %v", config.Model, err)
	}
	klog.V(1).Infof("Model %q (%s) ready on device %d", config.Model, sampler.Config.Type, config.Device)
	return &Pipeline{
		Config:  config,
		vocab:   vocab,
		sampler: sampler,
	}, nil
}

// Generate returns Request.NumReturnSequences generated sequences, each
// starting with the request's prompt.
//
// Out-of-range or inconsistent request parameters return
// ErrInvalidParameter before any model execution.
func (p *Pipeline) Generate(req Request) ([]GeneratedSequence, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	opts := samplers.Options{
		MaxLength:   req.MaxLength,
		MinLength:   req.MinLength,
		Sample:      req.DoSample,
		Temperature: req.Temperature,
		TopK:        req.TopK,
		Seed:        -1,
		PadTokenId:  -1,
	}
	if !req.DoSample {
		opts.Temperature = 1.0
	}
	if req.Seed > 0 {
		opts.Seed = req.Seed
	}
	if req.PadTokenID > 0 {
		opts.PadTokenId = req.PadTokenID
	}

	prompts := make([]string, req.NumReturnSequences)
	for i := range prompts {
		prompts[i] = req.Prompt
	}
	texts, err := p.sampler.SampleWithOptions(prompts, opts)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidParameter, "generating from %q: %v", req.Prompt, err)
	}

	sequences := make([]GeneratedSequence, len(texts))
	for i, text := range texts {
		sequences[i] = GeneratedSequence{Text: text}
	}
	return sequences, nil
}

// EosTokenID returns the tokenizer's end-of-text token id, usable as
// Request.PadTokenID.
func (p *Pipeline) EosTokenID() int {
	return p.vocab.EndOfSentenceId()
}

func (req Request) validate() error {
	if req.NumReturnSequences <= 0 {
		return errors.Wrapf(ErrInvalidParameter, "number of sequences to return must be positive, got %d", req.NumReturnSequences)
	}
	if req.MaxLength < 0 {
		return errors.Wrapf(ErrInvalidParameter, "maximum length must not be negative, got %d", req.MaxLength)
	}
	if req.MinLength < 0 {
		return errors.Wrapf(ErrInvalidParameter, "minimum length must not be negative, got %d", req.MinLength)
	}
	if req.MaxLength != 0 && req.MinLength > req.MaxLength {
		return errors.Wrapf(ErrInvalidParameter, "minimum length %d larger than maximum length %d", req.MinLength, req.MaxLength)
	}
	if req.Temperature < 0 || req.Temperature > 1 {
		return errors.Wrapf(ErrInvalidParameter, "temperature must be in (0, 1], got %g", req.Temperature)
	}
	if req.DoSample && req.Temperature == 0 {
		return errors.Wrapf(ErrInvalidParameter, "sampling requires a temperature in (0, 1]")
	}
	return nil
}

// Report writes the text of the first generated sequence, followed by a
// newline, to w. It returns ErrEmptyResult if there is nothing to report.
func Report(w io.Writer, sequences []GeneratedSequence) error {
	if len(sequences) == 0 {
		return ErrEmptyResult
	}
	_, err := fmt.Fprintln(w, sequences[0].Text)
	return err
}
