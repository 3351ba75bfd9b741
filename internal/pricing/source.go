// Package pricing loads and edits the service charge matrix served by the
// charge engine.
package pricing

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/example/teller-assist/internal/charges"
)

// ErrReadOnly is returned by sources that cannot be edited at runtime.
var ErrReadOnly = errors.New("pricing source is read-only")

// Store is a pricing source that can also replace a service's rows.
type Store interface {
	charges.Source
	UpsertService(ctx context.Context, serviceID string, fees map[charges.Segment]charges.FeeStructure, updatedBy string) error
}

// SegmentInfo is one entry of the segment catalogue.
type SegmentInfo struct {
	Key   charges.Segment `json:"key"`
	Label string          `json:"label"`
}

// SegmentCatalog is implemented by sources that keep their own segment
// registry.
type SegmentCatalog interface {
	Segments(ctx context.Context) ([]SegmentInfo, error)
}

// ListSegments returns the segments a source knows about. Sources without a
// registry report the built-in tiers followed by any other segment keys
// used in m.
func ListSegments(ctx context.Context, src charges.Source, m charges.Matrix) ([]SegmentInfo, error) {
	if c, ok := src.(*Cache); ok {
		src = c.Source
	}
	if cat, ok := src.(SegmentCatalog); ok {
		return cat.Segments(ctx)
	}

	seen := make(map[charges.Segment]bool)
	out := make([]SegmentInfo, 0, len(charges.Segments()))
	for _, seg := range charges.Segments() {
		seen[seg] = true
		out = append(out, SegmentInfo{Key: seg, Label: charges.SegmentLabel(seg)})
	}

	var extra []string
	for _, row := range m {
		for seg := range row {
			if !seen[seg] {
				seen[seg] = true
				extra = append(extra, string(seg))
			}
		}
	}
	sort.Strings(extra)
	for _, k := range extra {
		out = append(out, SegmentInfo{Key: charges.Segment(k), Label: k})
	}
	return out, nil
}

// ValidateRows checks an edit to one service before it is written.
func ValidateRows(serviceID string, fees map[charges.Segment]charges.FeeStructure) error {
	if serviceID == "" {
		return errors.New("service id is required")
	}
	if len(fees) == 0 {
		return fmt.Errorf("%s: at least one segment is required", serviceID)
	}
	for seg := range fees {
		if seg == "" {
			return fmt.Errorf("%s: empty segment key", serviceID)
		}
	}
	return charges.Matrix{serviceID: fees}.Validate()
}

// StaticSource serves an in-memory matrix, seeded from DefaultMatrix when
// none is given. Edits live until the process exits.
type StaticSource struct {
	mu     sync.RWMutex
	matrix charges.Matrix
}

func NewStaticSource(m charges.Matrix) *StaticSource {
	if m == nil {
		m = charges.DefaultMatrix()
	}
	return &StaticSource{matrix: m.Clone()}
}

func (s *StaticSource) LoadMatrix(_ context.Context) (charges.Matrix, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.matrix.Clone(), nil
}

// UpsertService merges fees into the service's row. Segments not named in
// fees keep their current rule.
func (s *StaticSource) UpsertService(_ context.Context, serviceID string, fees map[charges.Segment]charges.FeeStructure, _ string) error {
	if err := ValidateRows(serviceID, fees); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.matrix[serviceID]
	if !ok {
		r = make(map[charges.Segment]charges.FeeStructure, len(fees))
		s.matrix[serviceID] = r
	}
	for seg, fee := range fees {
		r[seg] = fee
	}
	return nil
}
