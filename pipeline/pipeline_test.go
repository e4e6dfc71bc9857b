package pipeline

import (
	"bytes"
	"fmt"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

// echoGenerator is a Generator that continues every prompt with a fixed
// suffix, standing in for a loaded model.
type echoGenerator struct {
	suffix string
}

func (g *echoGenerator) Generate(req Request) ([]GeneratedSequence, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	sequences := make([]GeneratedSequence, req.NumReturnSequences)
	for i := range sequences {
		sequences[i] = GeneratedSequence{Text: req.Prompt + g.suffix}
	}
	return sequences, nil
}

func TestNewRejectsUnknownTask(t *testing.T) {
	p, err := New(Config{Task: "image-classification", Model: "EleutherAI/gpt-neo-125M"})
	require.Nil(t, p)
	require.ErrorIs(t, err, ErrInvalidParameter)
}

func TestNewRequiresModel(t *testing.T) {
	p, err := New(Config{Task: TaskTextGeneration})
	require.Nil(t, p)
	require.ErrorIs(t, err, ErrModelLoad)
}

func TestGenerateValidation(t *testing.T) {
	valid := Request{
		Prompt:             "EleutherAI has",
		DoSample:           true,
		MinLength:          50,
		MaxLength:          100,
		Temperature:        0.7,
		NumReturnSequences: 1,
	}
	require.NoError(t, valid.validate())

	testCases := []struct {
		name   string
		mutate func(req *Request)
	}{
		{"no sequences requested", func(req *Request) { req.NumReturnSequences = 0 }},
		{"negative sequences requested", func(req *Request) { req.NumReturnSequences = -3 }},
		{"negative max length", func(req *Request) { req.MaxLength = -1 }},
		{"negative min length", func(req *Request) { req.MinLength = -1 }},
		{"min above max", func(req *Request) { req.MinLength = 101 }},
		{"temperature zero while sampling", func(req *Request) { req.Temperature = 0 }},
		{"temperature negative", func(req *Request) { req.Temperature = -0.5 }},
		{"temperature above one", func(req *Request) { req.Temperature = 1.5 }},
		{"temperature negative without sampling", func(req *Request) { req.DoSample = false; req.Temperature = -0.5 }},
		{"temperature above one without sampling", func(req *Request) { req.DoSample = false; req.Temperature = 1.5 }},
	}
	// Validation happens before any model execution, so a zero Pipeline is
	// enough to exercise it.
	var p Pipeline
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			req := valid
			testCase.mutate(&req)
			sequences, err := p.Generate(req)
			fmt.Printf("\t%s: %v\n", testCase.name, err)
			require.ErrorIs(t, err, ErrInvalidParameter)
			require.Empty(t, sequences)
		})
	}
}

func TestGenerateMinLengthBelowUnsetMax(t *testing.T) {
	// MaxLength 0 means "up to the pipeline's default", so any MinLength is
	// consistent with it at validation time.
	req := Request{
		Prompt:             "hello",
		MinLength:          50,
		NumReturnSequences: 1,
	}
	require.NoError(t, req.validate())
}

func TestGeneratorSequences(t *testing.T) {
	var generator Generator = &echoGenerator{suffix: " a research lab"}
	req := Request{
		Prompt:             "EleutherAI has",
		NumReturnSequences: 3,
	}
	sequences, err := generator.Generate(req)
	require.NoError(t, err)
	require.Len(t, sequences, req.NumReturnSequences)
	for _, sequence := range sequences {
		require.True(t, strings.HasPrefix(sequence.Text, req.Prompt))
	}
}

func TestReport(t *testing.T) {
	var buf bytes.Buffer
	err := Report(&buf, []GeneratedSequence{
		{Text: "EleutherAI has been a pioneer"},
		{Text: "EleutherAI has released"},
	})
	require.NoError(t, err)
	// Only the first sequence is reported, as exactly one line.
	require.Equal(t, "EleutherAI has been a pioneer\n", buf.String())
}

func TestReportEmpty(t *testing.T) {
	var buf bytes.Buffer
	err := Report(&buf, nil)
	require.ErrorIs(t, err, ErrEmptyResult)
	require.Zero(t, buf.Len())

	err = Report(&buf, []GeneratedSequence{})
	require.True(t, errors.Is(err, ErrEmptyResult))
	require.Zero(t, buf.Len())
}
