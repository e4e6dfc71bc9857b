package pipeline

import "github.com/pkg/errors"

// Sentinel errors returned (wrapped) by Pipeline operations. Match them with
// errors.Is to distinguish failure modes without parsing messages.
var (
	// ErrModelLoad indicates the model identifier could not be resolved to a
	// usable checkpoint: download failure, missing tokenizer files or an
	// unrecognized set of weights.
	ErrModelLoad = errors.New("failed to load model")

	// ErrDevice indicates the requested device could not be initialized.
	ErrDevice = errors.New("requested device is not available")

	// ErrInvalidParameter indicates a generation request carried parameters
	// that are out of range or mutually inconsistent.
	ErrInvalidParameter = errors.New("invalid generation parameter")

	// ErrEmptyResult indicates generation yielded no sequences to report.
	ErrEmptyResult = errors.New("generation returned no sequences")
)
