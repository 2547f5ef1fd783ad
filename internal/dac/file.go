package dac

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"Attester/internal/attestation"
)

// ErrUnsupportedFormat is returned for files that are neither JSON nor YAML.
var ErrUnsupportedFormat = errors.New("unsupported config format")

// fileConfig is the on-disk layout of one generation.
type fileConfig struct {
	StartEpoch uint64       `json:"startEpoch" yaml:"startEpoch"`
	Sources    []fileSource `json:"sources" yaml:"sources"`
}

type fileSource struct {
	Source           enumName   `json:"source" yaml:"source"`
	MaxCallsPerRound float64    `json:"maxCallsPerRound" yaml:"maxCallsPerRound"`
	RequiredBlocks   uint64     `json:"requiredBlocks" yaml:"requiredBlocks"`
	AttestationTypes []fileType `json:"attestationTypes" yaml:"attestationTypes"`
}

type fileType struct {
	Type     enumName `json:"type" yaml:"type"`
	AvgCalls float64  `json:"avgCalls" yaml:"avgCalls"`
}

// enumName accepts either a quoted name or a bare number in JSON.
// yaml.v3 already decodes any scalar into a string.
type enumName string

func (n *enumName) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*n = enumName(s)
		return nil
	}

	*n = enumName(data)
	return nil
}

// Supported reports whether path has a config file extension.
func Supported(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".yaml", ".yml":
		return true
	default:
		return false
	}
}

// ParseFile reads and validates one generation file.
func ParseFile(path string) (*Generation, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s:\n%w", path, err)
	}

	gen, err := Parse(data, filepath.Ext(path))
	if err != nil {
		return nil, fmt.Errorf("parse %s:\n%w", path, err)
	}

	gen.Path = path

	return gen, nil
}

// Parse decodes a generation. ext selects the format (".json", ".yaml", ".yml").
func Parse(data []byte, ext string) (*Generation, error) {
	var fc fileConfig

	switch strings.ToLower(ext) {
	case ".json":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&fc); err != nil {
			return nil, fmt.Errorf("decode json:\n%w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return nil, fmt.Errorf("decode yaml:\n%w", err)
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
	}

	return fc.generation()
}

// generation converts and validates the file layout.
func (fc *fileConfig) generation() (*Generation, error) {
	gen := &Generation{
		StartRound: fc.StartEpoch,
		Sources:    make(map[attestation.Source]*SourceConfig, len(fc.Sources)),
	}

	for i, fs := range fc.Sources {
		source, err := attestation.ParseSource(string(fs.Source))
		if err != nil {
			return nil, fmt.Errorf("sources[%d]:\n%w", i, err)
		}

		if _, dup := gen.Sources[source]; dup {
			return nil, fmt.Errorf("sources[%d]: duplicate source %s", i, source)
		}

		budget, err := CallsOf(fs.MaxCallsPerRound)
		if err != nil {
			return nil, fmt.Errorf("sources[%d].maxCallsPerRound:\n%w", i, err)
		}

		sc := &SourceConfig{
			Source:           source,
			MaxCallsPerRound: budget,
			RequiredBlocks:   fs.RequiredBlocks,
			Types:            make(map[attestation.Type]TypeConfig, len(fs.AttestationTypes)),
		}
		if sc.RequiredBlocks == 0 {
			sc.RequiredBlocks = DefaultRequiredBlocks
		}

		for j, ft := range fs.AttestationTypes {
			typ, err := attestation.ParseType(string(ft.Type))
			if err != nil {
				return nil, fmt.Errorf("sources[%d].attestationTypes[%d]:\n%w", i, j, err)
			}

			cost, err := CallsOf(ft.AvgCalls)
			if err != nil {
				return nil, fmt.Errorf("sources[%d].attestationTypes[%d].avgCalls:\n%w", i, j, err)
			}

			if cost == 0 {
				return nil, fmt.Errorf("sources[%d].attestationTypes[%d]: avgCalls must be positive", i, j)
			}

			if _, dup := sc.Types[typ]; dup {
				return nil, fmt.Errorf("sources[%d].attestationTypes[%d]: duplicate type %s", i, j, typ)
			}

			sc.Types[typ] = TypeConfig{Type: typ, AvgCalls: cost}
		}

		gen.Sources[source] = sc
	}

	return gen, nil
}
