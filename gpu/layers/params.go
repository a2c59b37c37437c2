package layers

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"os"

	"github.com/pkg/errors"

	"github.com/tsawler/go-nnlayers/tensor"
)

// parameterHeader describes the serialized (weights, bias) pair. The file
// is a single JSON header line followed by the raw little-endian float32
// payloads, weights first.
type parameterHeader struct {
	Version     int   `json:"version"`
	WeightShape []int `json:"weight_shape"`
	BiasShape   []int `json:"bias_shape"`
}

const parameterFileVersion = 1

// SaveParameters writes a (weights, bias) pair to path. Device-resident
// tensors are synchronized back to the host first.
func SaveParameters(path string, W, b *tensor.Tensor) error {
	if W == nil || b == nil {
		return errors.New("parameters require both weights and bias")
	}
	if err := W.RetrieveHost(); err != nil {
		return err
	}
	if err := b.RetrieveHost(); err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "creating parameter file %s", path)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	header, err := json.Marshal(parameterHeader{
		Version:     parameterFileVersion,
		WeightShape: W.Shape,
		BiasShape:   b.Shape,
	})
	if err != nil {
		return errors.Wrap(err, "encoding parameter header")
	}
	if _, err := w.Write(append(header, '\n')); err != nil {
		return errors.Wrap(err, "writing parameter header")
	}
	if err := binary.Write(w, binary.LittleEndian, W.Data); err != nil {
		return errors.Wrap(err, "writing weights")
	}
	if err := binary.Write(w, binary.LittleEndian, b.Data); err != nil {
		return errors.Wrap(err, "writing bias")
	}
	return w.Flush()
}

// LoadParameters reads a (weights, bias) pair written by SaveParameters.
// The tensors are returned host resident; layer constructors transfer them
// to the device through SetParameters.
func LoadParameters(path string) (*tensor.Tensor, *tensor.Tensor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "opening parameter file %s", path)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	line, err := r.ReadBytes('\n')
	if err != nil {
		return nil, nil, errors.Wrap(err, "reading parameter header")
	}
	var header parameterHeader
	if err := json.Unmarshal(line, &header); err != nil {
		return nil, nil, errors.Wrap(err, "decoding parameter header")
	}
	if header.Version != parameterFileVersion {
		return nil, nil, errors.Errorf("unsupported parameter file version %d", header.Version)
	}

	W, err := tensor.Zeros(header.WeightShape)
	if err != nil {
		return nil, nil, errors.Wrap(err, "invalid weight shape in header")
	}
	b, err := tensor.Zeros(header.BiasShape)
	if err != nil {
		return nil, nil, errors.Wrap(err, "invalid bias shape in header")
	}
	if err := binary.Read(r, binary.LittleEndian, W.Data); err != nil {
		return nil, nil, errors.Wrap(err, "reading weights")
	}
	if err := binary.Read(r, binary.LittleEndian, b.Data); err != nil {
		return nil, nil, errors.Wrap(err, "reading bias")
	}
	return W, b, nil
}
