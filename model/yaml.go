package model

import (
	"bytes"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// YAMLReader reads model specs and data files written in YAML. A data file
// is a mapping of column name to a list of numbers:
//
//	y: [1.2, 3.4, 5.6]
//	county: [1, 1, 2]
type YAMLReader struct{}

// ReadSpec implements the Reader interface. Unknown keys are errors.
func (r YAMLReader) ReadSpec(data []byte) (*Spec, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	spec := &Spec{}
	if err := dec.Decode(spec); err != nil {
		return nil, errors.Wrap(err, "Invalid model YAML")
	}
	return spec, nil
}

// ReadData implements the Reader interface
func (r YAMLReader) ReadData(data []byte) (map[string][]float64, error) {
	cols := make(map[string][]float64)
	if err := yaml.Unmarshal(data, &cols); err != nil {
		return nil, errors.Wrap(err, "Invalid data YAML")
	}
	return cols, nil
}
