package pricing

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/example/teller-assist/internal/charges"
)

// amount reads a YAML scalar such as 500, 0.001 or "1500.50" into a
// decimal without going through float64.
type amount decimal.Decimal

func (a *amount) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: expected a number", n.Line)
	}
	d, err := decimal.NewFromString(strings.TrimSpace(n.Value))
	if err != nil {
		return fmt.Errorf("line %d: %q is not a number", n.Line, n.Value)
	}
	*a = amount(d)
	return nil
}

// MarshalYAML writes the plain digits so the file stays hand-editable.
func (a amount) MarshalYAML() (any, error) {
	return &yaml.Node{Kind: yaml.ScalarNode, Value: decimal.Decimal(a).String()}, nil
}

func (a amount) IsZero() bool { return decimal.Decimal(a).IsZero() }

type feeRow struct {
	ServiceFee    amount `yaml:"service_fee"`
	PercentageFee amount `yaml:"percentage_fee,omitempty"`
	MinCharge     amount `yaml:"min_charge,omitempty"`
	MaxCharge     amount `yaml:"max_charge,omitempty"`
}

type matrixDocument struct {
	Services map[string]map[string]feeRow `yaml:"services"`
}

// ParseYAML decodes a matrix document:
//
//	services:
//	  cash-withdrawal:
//	    retail: {service_fee: 0, percentage_fee: 0.003, min_charge: 150, max_charge: 1000}
//
// Unknown keys are rejected and the result is validated.
func ParseYAML(r io.Reader) (charges.Matrix, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var doc matrixDocument
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("pricing file is empty")
		}
		return nil, fmt.Errorf("decode pricing file: %w", err)
	}
	if len(doc.Services) == 0 {
		return nil, errors.New("pricing file has no services")
	}

	m := make(charges.Matrix, len(doc.Services))
	for svc, segs := range doc.Services {
		fees := make(map[charges.Segment]charges.FeeStructure, len(segs))
		for seg, r := range segs {
			fees[charges.Segment(seg)] = charges.FeeStructure{
				ServiceFee:    decimal.Decimal(r.ServiceFee),
				PercentageFee: decimal.Decimal(r.PercentageFee),
				MinCharge:     decimal.Decimal(r.MinCharge),
				MaxCharge:     decimal.Decimal(r.MaxCharge),
			}
		}
		m[svc] = fees
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// WriteYAML encodes m in the format ParseYAML reads.
func WriteYAML(w io.Writer, m charges.Matrix) error {
	doc := matrixDocument{Services: make(map[string]map[string]feeRow, len(m))}
	for svc, fees := range m {
		segs := make(map[string]feeRow, len(fees))
		for seg, f := range fees {
			segs[string(seg)] = feeRow{
				ServiceFee:    amount(f.ServiceFee),
				PercentageFee: amount(f.PercentageFee),
				MinCharge:     amount(f.MinCharge),
				MaxCharge:     amount(f.MaxCharge),
			}
		}
		doc.Services[svc] = segs
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return err
	}
	return enc.Close()
}

// FileSource reads the matrix from a YAML file on every load, so edits to
// the file are picked up by the next reload.
type FileSource struct {
	Path string
}

func (s FileSource) LoadMatrix(_ context.Context) (charges.Matrix, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("read pricing file: %w", err)
	}
	m, err := ParseYAML(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", s.Path, err)
	}
	return m, nil
}

func (FileSource) UpsertService(context.Context, string, map[charges.Segment]charges.FeeStructure, string) error {
	return ErrReadOnly
}
