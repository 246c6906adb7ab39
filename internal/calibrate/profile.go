package calibrate

import (
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// LoadProfile reads a coefficient profile from a YAML file. Fields missing
// from the file keep their default values.
func LoadProfile(path string) (Coefficients, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Coefficients{}, eris.Wrapf(err, "calibrate: read profile %s", path)
	}
	return ParseProfile(b)
}

// ParseProfile decodes a YAML coefficient profile over the defaults and
// validates the result.
func ParseProfile(b []byte) (Coefficients, error) {
	coef := DefaultCoefficients()
	if err := yaml.Unmarshal(b, &coef); err != nil {
		return Coefficients{}, eris.Wrap(err, "calibrate: decode profile")
	}
	if err := coef.Validate(); err != nil {
		return Coefficients{}, err
	}
	return coef, nil
}

// MarshalProfile renders coefficients as YAML.
func MarshalProfile(c Coefficients) ([]byte, error) {
	b, err := yaml.Marshal(c)
	if err != nil {
		return nil, eris.Wrap(err, "calibrate: encode profile")
	}
	return b, nil
}
