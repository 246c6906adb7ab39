package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sells-group/fusionscore/internal/calibrate"
)

var coefficientsCmd = &cobra.Command{
	Use:   "coefficients",
	Short: "Print the active calibration coefficients as a YAML profile",
	Long: `Prints the coefficient set the engine would use, resolved from
calibration.profile_path or the calibration config section, with the label
recorded on audit records. Use --profile to validate a profile file.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		var (
			coef calibrate.Coefficients
			err  error
		)
		if path, _ := cmd.Flags().GetString("profile"); path != "" {
			coef, err = calibrate.LoadProfile(path)
		} else {
			coef, err = loadCoefficients()
		}
		if err != nil {
			return err
		}

		b, err := calibrate.MarshalProfile(coef)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "# %s\n%s", coef.Label(), b)
		return nil
	},
}

func init() {
	coefficientsCmd.Flags().String("profile", "", "load and validate this profile instead of the configured one")
	rootCmd.AddCommand(coefficientsCmd)
}
