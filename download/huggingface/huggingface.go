// Package huggingface handles downloading GPT-Neo checkpoints from the
// HuggingFace hub.
//
// Checkpoints are identified by their hub id (e.g. "EleutherAI/gpt-neo-2.7B")
// and cached under a local directory for reuse. A download brings both the
// ".safetensors" tensor files -- read by the weights package -- and the
// tokenizer files ("vocab.json"/"merges.txt") read by the bpe package.
//
// Public models need no credentials; hfAuthToken is only required for gated
// repositories (a read-only token created once on the HuggingFace site).
package huggingface

import (
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	gomlxhf "github.com/gomlx/gomlx/ml/data/huggingface"
	"github.com/gomlx/gomlx/ml/data"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Download fetches (if needed) the model identified by hfID into cacheDir and
// returns the handle to the downloaded checkpoint. Files already cached are
// not downloaded again.
func Download(hfID, hfAuthToken, cacheDir string) (*gomlxhf.Model, error) {
	cacheDir = data.ReplaceTildeInDir(cacheDir)
	hfm, err := gomlxhf.New(hfID, hfAuthToken, cacheDir)
	if err != nil {
		return nil, errors.WithMessagef(err, "invalid model id %q", hfID)
	}
	klog.V(1).Infof("downloading %q into %q", hfID, hfm.BaseDir)
	if err = hfm.Download(); err != nil {
		return nil, errors.WithMessagef(err, "failed to download model %q", hfID)
	}
	klog.V(1).Infof("model %q ready: %s on disk", hfID, humanize.Bytes(DirSize(hfm.BaseDir)))
	return hfm, nil
}

// TokenizerDir returns the directory holding the checkpoint's tokenizer files.
func TokenizerDir(hfm *gomlxhf.Model) string {
	return hfm.BaseDir
}

// DirSize returns the total size in bytes of the files under dir.
// Best-effort: unreadable entries count as zero.
func DirSize(dir string) uint64 {
	var total uint64
	_ = filepath.Walk(dir, func(_ string, info os.FileInfo, err error) error {
		if err == nil && info.Mode().IsRegular() {
			total += uint64(info.Size())
		}
		return nil
	})
	return total
}
