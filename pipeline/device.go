package pipeline

import (
	"os"
	"strconv"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DeviceCPU selects the host CPU instead of an accelerator.
const DeviceCPU = -1

// newBackend creates the accelerator backend for the given device selector:
// a non-negative value picks the accelerator with that index, DeviceCPU (or
// any negative value) runs on the host CPU. There is no silent fallback: if
// the selected device can't be initialized, the error is returned rather
// than retrying on another device.
//
// The backend engine itself must be linked into the binary, usually with
//
//	import _ "github.com/gomlx/gomlx/backends/xla"
func newBackend(device int) (backends.Backend, error) {
	config := "xla:cpu"
	if device >= 0 {
		config = "xla:cuda"
		if err := os.Setenv("CUDA_VISIBLE_DEVICES", strconv.Itoa(device)); err != nil {
			return nil, errors.Wrapf(ErrDevice, "selecting accelerator %d: %v", device, err)
		}
	}

	var backend backends.Backend
	err := exceptions.TryCatch[error](func() { backend = backends.NewWithConfig(config) })
	if err != nil {
		return nil, errors.Wrapf(ErrDevice, "device %d (backend %q): %v", device, config, err)
	}
	klog.V(1).Infof("Backend %q: %s", backend.Name(), backend.Description())
	return backend, nil
}
