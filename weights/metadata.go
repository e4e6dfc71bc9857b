package weights

import (
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gptneo/trees"
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack"
)

// MetadataFileName is the name of the index file written next to a checkpoint.
const MetadataFileName = "gptneo_tensors.index"

// MetadataEntry holds information about one loaded tensor.
type MetadataEntry struct {
	TreePath   []string
	DType      string
	Dimensions []int
}

// Metadata is an index of the tensors of a checkpoint: their mapped tree
// paths, dtypes and shapes. It allows inspecting a checkpoint directory
// without re-reading the tensor data.
type Metadata struct {
	Entries []MetadataEntry
}

// NumTensors returns the number of indexed tensors.
func (m *Metadata) NumTensors() int { return len(m.Entries) }

// NumParameters returns the total number of model parameters indexed.
func (m *Metadata) NumParameters() int {
	var total int
	for _, entry := range m.Entries {
		size := 1
		for _, dim := range entry.Dimensions {
			size *= dim
		}
		total += size
	}
	return total
}

// String implements fmt.Stringer with a one-line summary.
func (m *Metadata) String() string {
	return fmt.Sprintf("%d tensors, %s parameters",
		m.NumTensors(), humanize.Comma(int64(m.NumParameters())))
}

// Lookup returns the entry for the given tree path, or nil if not indexed.
func (m *Metadata) Lookup(treePath trees.Path) *MetadataEntry {
	joined := strings.Join(treePath, "/")
	for ii := range m.Entries {
		if strings.Join(m.Entries[ii].TreePath, "/") == joined {
			return &m.Entries[ii]
		}
	}
	return nil
}

// SaveMetadata writes the metadata index of the given weights to the
// checkpoint directory, msgpack-encoded.
func SaveMetadata(checkpointDir string, weights *trees.Tree[*tensors.Tensor]) error {
	metadata := &Metadata{}
	for treePath, tensor := range weights.OrderedLeaves() {
		metadata.Entries = append(metadata.Entries, MetadataEntry{
			TreePath:   treePath,
			DType:      tensor.DType().String(),
			Dimensions: tensor.Shape().Dimensions,
		})
	}

	metadataPath := path.Join(checkpointDir, MetadataFileName)
	f, err := os.Create(metadataPath)
	if err != nil {
		return errors.Wrapf(err, "failed to create metadata index in %q", metadataPath)
	}
	enc := msgpack.NewEncoder(f)
	if err = enc.Encode(metadata); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "failed to encode metadata index to %q", metadataPath)
	}
	return errors.Wrapf(f.Close(), "failed to close metadata index %q", metadataPath)
}

// LoadMetadata reads the metadata index of a checkpoint directory, if present.
// It returns an error satisfying os.IsNotExist if the index wasn't written yet.
func LoadMetadata(checkpointDir string) (*Metadata, error) {
	metadataPath := path.Join(checkpointDir, MetadataFileName)
	f, err := os.Open(metadataPath)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	metadata := &Metadata{}
	dec := msgpack.NewDecoder(f)
	if err = dec.Decode(metadata); err != nil {
		return nil, errors.Wrapf(err, "failed to decode metadata index from %q", metadataPath)
	}
	return metadata, nil
}
