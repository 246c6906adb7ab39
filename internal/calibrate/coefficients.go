// Package calibrate holds the variance/confidence estimator and the adaptive
// weight calibrator, together with the versioned coefficient set they use.
package calibrate

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/fusionscore/internal/config"
	"github.com/sells-group/fusionscore/internal/model"
)

// DefaultVersion labels the built-in coefficient set.
const DefaultVersion = "v1"

// Blend is the fixed mix of canonical dimensions in a source score.
type Blend struct {
	Activity       float64 `json:"activity" yaml:"activity"`
	Participation  float64 `json:"participation" yaml:"participation"`
	Responsiveness float64 `json:"responsiveness" yaml:"responsiveness"`
	Throughput     float64 `json:"throughput" yaml:"throughput"`
}

// ByDimension returns the blend keyed by canonical dimension name.
func (b Blend) ByDimension() map[string]float64 {
	return map[string]float64{
		model.DimActivityVolume:     b.Activity,
		model.DimParticipationLevel: b.Participation,
		model.DimResponsiveness:     b.Responsiveness,
		model.DimThroughput:         b.Throughput,
	}
}

// Coefficients is the complete, versioned parameter set of the calibration
// and aggregation formulas. Every audit record carries its Label so a change
// to any value is visible in the trail.
type Coefficients struct {
	Version         string                     `json:"version" yaml:"version"`
	Alpha           float64                    `json:"alpha" yaml:"alpha"`
	Beta            float64                    `json:"beta" yaml:"beta"`
	Gamma           float64                    `json:"gamma" yaml:"gamma"`
	Blend           Blend                      `json:"blend" yaml:"blend"`
	CategoryWeights map[model.Category]float64 `json:"category_weights" yaml:"category_weights"`
}

// DefaultCoefficients returns the built-in v1 coefficient set.
func DefaultCoefficients() Coefficients {
	return Coefficients{
		Version: DefaultVersion,
		Alpha:   0.3,
		Beta:    0.5,
		Gamma:   0.2,
		Blend: Blend{
			Activity:       0.30,
			Participation:  0.20,
			Responsiveness: 0.25,
			Throughput:     0.25,
		},
		CategoryWeights: map[model.Category]float64{
			model.CategoryCommunication:     0.25,
			model.CategoryProjectManagement: 0.25,
			model.CategoryMeetings:          0.15,
			model.CategoryEngineering:       0.15,
			model.CategorySupport:           0.10,
			model.CategoryDocumentation:     0.05,
			model.CategoryDesign:            0.03,
			model.CategoryData:              0.02,
			model.CategoryGeneral:           0.05,
		},
	}
}

// FromConfig builds coefficients from config values. Zero values keep the
// defaults, so a partial config section only overrides what it names.
func FromConfig(c config.CalibrationConfig) Coefficients {
	coef := DefaultCoefficients()
	if c.Version != "" {
		coef.Version = c.Version
	}
	if c.Alpha != nil {
		coef.Alpha = *c.Alpha
	}
	if c.Beta != nil {
		coef.Beta = *c.Beta
	}
	if c.Gamma != nil {
		coef.Gamma = *c.Gamma
	}
	if c.Blend.Activity > 0 || c.Blend.Participation > 0 || c.Blend.Responsiveness > 0 || c.Blend.Throughput > 0 {
		coef.Blend = Blend{
			Activity:       c.Blend.Activity,
			Participation:  c.Blend.Participation,
			Responsiveness: c.Blend.Responsiveness,
			Throughput:     c.Blend.Throughput,
		}
	}
	for tag, w := range c.CategoryWeights {
		coef.CategoryWeights[model.ParseCategory(tag)] = w
	}
	return coef
}

// CategoryWeight returns the relative importance of a category.
func (c Coefficients) CategoryWeight(cat model.Category) float64 {
	if w, ok := c.CategoryWeights[cat]; ok {
		return w
	}
	return c.CategoryWeights[model.CategoryGeneral]
}

// Validate checks the coefficients are internally consistent.
func (c Coefficients) Validate() error {
	var errs []string

	if strings.TrimSpace(c.Version) == "" {
		errs = append(errs, "version is required")
	}
	for name, v := range map[string]float64{"alpha": c.Alpha, "beta": c.Beta, "gamma": c.Gamma} {
		if v < 0 || math.IsNaN(v) {
			errs = append(errs, fmt.Sprintf("%s must be >= 0", name))
		}
	}

	var blendSum float64
	for dim, v := range c.Blend.ByDimension() {
		if v < 0 {
			errs = append(errs, fmt.Sprintf("blend %s must be >= 0", dim))
		}
		blendSum += v
	}
	if math.Abs(blendSum-1) > 0.01 {
		errs = append(errs, fmt.Sprintf("blend should sum to 1, got %.3f", blendSum))
	}

	var catSum float64
	for cat, w := range c.CategoryWeights {
		if !cat.Known() {
			errs = append(errs, fmt.Sprintf("unknown category %q", cat))
		}
		if w < 0 {
			errs = append(errs, fmt.Sprintf("category weight %s must be >= 0", cat))
		}
		catSum += w
	}
	if catSum <= 0 {
		errs = append(errs, "category weights must sum to > 0")
	}

	if len(errs) > 0 {
		sort.Strings(errs)
		return eris.Errorf("calibrate: invalid coefficients: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Fingerprint returns a short SHA-256 of the coefficient values.
func (c Coefficients) Fingerprint() string {
	data, err := json.Marshal(c)
	if err != nil {
		return ""
	}
	h := sha256.Sum256(data)
	return fmt.Sprintf("%x", h[:8])
}

// Label identifies the coefficient set in audit records, e.g. "v1@1a2b3c4d5e6f7a8b".
func (c Coefficients) Label() string {
	return c.Version + "@" + c.Fingerprint()
}
