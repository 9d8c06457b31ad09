// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package classify

import "fmt"

// Weights is the scoring table. Every value is configuration.
type Weights struct {
	ManualDirect    int `yaml:"manual_direct" json:"manual_direct"`
	ManualInherited int `yaml:"manual_inherited" json:"manual_inherited"`
	CanonicalName   int `yaml:"canonical_name" json:"canonical_name"`
	Marker          int `yaml:"marker" json:"marker"`
	Extensions      int `yaml:"extensions" json:"extensions"`
	ParentHint      int `yaml:"parent_hint" json:"parent_hint"`
	Metadata        int `yaml:"metadata" json:"metadata"`

	// DepthPenalty is subtracted per level beyond BaselineDepth.
	DepthPenalty  int `yaml:"depth_penalty" json:"depth_penalty"`
	BaselineDepth int `yaml:"baseline_depth" json:"baseline_depth"`

	// MinConfidence is the floor below which no candidate is emitted.
	MinConfidence int `yaml:"min_confidence" json:"min_confidence"`

	// MaxFileCandidateDepth bounds the depth of single-file candidates.
	MaxFileCandidateDepth int `yaml:"max_file_candidate_depth" json:"max_file_candidate_depth"`
}

// DefaultWeights returns the reference weight table.
func DefaultWeights() Weights {
	return Weights{
		ManualDirect:          95,
		ManualInherited:       90,
		CanonicalName:         30,
		Marker:                25,
		Extensions:            20,
		ParentHint:            10,
		Metadata:              5,
		DepthPenalty:          1,
		BaselineDepth:         3,
		MinConfidence:         10,
		MaxFileCandidateDepth: 4,
	}
}

// Validate rejects weights outside [0, 100] and negative depths.
func (w Weights) Validate() error {
	scores := map[string]int{
		"manual_direct":    w.ManualDirect,
		"manual_inherited": w.ManualInherited,
		"canonical_name":   w.CanonicalName,
		"marker":           w.Marker,
		"extensions":       w.Extensions,
		"parent_hint":      w.ParentHint,
		"metadata":         w.Metadata,
		"depth_penalty":    w.DepthPenalty,
		"min_confidence":   w.MinConfidence,
	}
	for name, v := range scores {
		if v < 0 || v > 100 {
			return fmt.Errorf("weight %s=%d out of range [0,100]", name, v)
		}
	}
	if w.BaselineDepth < 0 || w.MaxFileCandidateDepth < 1 {
		return fmt.Errorf("baseline_depth must be >= 0 and max_file_candidate_depth >= 1")
	}
	return nil
}
