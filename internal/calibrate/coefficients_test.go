package calibrate

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/fusionscore/internal/config"
	"github.com/sells-group/fusionscore/internal/model"
)

func ptrFloat64(v float64) *float64 { return &v }

func TestDefaultCoefficients(t *testing.T) {
	c := DefaultCoefficients()
	require.NoError(t, c.Validate())
	assert.Equal(t, DefaultVersion, c.Version)
	assert.InDelta(t, 0.3, c.Alpha, 1e-9)
	assert.InDelta(t, 0.5, c.Beta, 1e-9)
	assert.InDelta(t, 0.2, c.Gamma, 1e-9)
	assert.InDelta(t, 0.25, c.CategoryWeight(model.CategoryCommunication), 1e-9)
	assert.InDelta(t, 0.05, c.CategoryWeight(model.Category("nope")), 1e-9)
}

func TestFingerprint_StableAndSensitive(t *testing.T) {
	a := DefaultCoefficients()
	b := DefaultCoefficients()
	assert.Equal(t, a.Fingerprint(), b.Fingerprint())
	assert.Len(t, a.Fingerprint(), 16)

	b.Gamma = 0.25
	assert.NotEqual(t, a.Fingerprint(), b.Fingerprint())
	assert.Contains(t, a.Label(), "v1@")
}

func TestValidate(t *testing.T) {
	c := DefaultCoefficients()
	c.Alpha = -1
	c.Blend.Activity = 0.9
	c.CategoryWeights[model.Category("crm")] = 0.1

	err := c.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "alpha must be >= 0")
	assert.Contains(t, err.Error(), "blend should sum to 1")
	assert.Contains(t, err.Error(), `unknown category "crm"`)
}

func TestFromConfig(t *testing.T) {
	c := FromConfig(config.CalibrationConfig{})
	assert.Equal(t, DefaultCoefficients(), c)

	c = FromConfig(config.CalibrationConfig{
		Version:         "v2",
		Gamma:           ptrFloat64(0),
		CategoryWeights: map[string]float64{"Engineering": 0.4},
	})
	assert.Equal(t, "v2", c.Version)
	assert.InDelta(t, 0.3, c.Alpha, 1e-9)
	assert.InDelta(t, 0, c.Gamma, 1e-9)
	assert.InDelta(t, 0.4, c.CategoryWeight(model.CategoryEngineering), 1e-9)
}

func TestProfileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "coefficients.yaml")
	require.NoError(t, os.WriteFile(path, []byte("version: v3\nbeta: 0.4\n"), 0o600))

	c, err := LoadProfile(path)
	require.NoError(t, err)
	assert.Equal(t, "v3", c.Version)
	assert.InDelta(t, 0.4, c.Beta, 1e-9)
	assert.InDelta(t, 0.3, c.Alpha, 1e-9, "unset keys keep defaults")

	out, err := MarshalProfile(c)
	require.NoError(t, err)
	back, err := ParseProfile(out)
	require.NoError(t, err)
	assert.Equal(t, c.Fingerprint(), back.Fingerprint())
}

func TestParseProfile_Invalid(t *testing.T) {
	_, err := ParseProfile([]byte("alpha: -2\n"))
	require.Error(t, err)

	_, err = ParseProfile([]byte("alpha: [oops\n"))
	require.Error(t, err)
}
