package main

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/psi-tdc/delayctl/pkg/calibration"
)

// annotationOffline marks commands that do not talk to the daemon.
const annotationOffline = "offline"

func parseChipArg(args []string) (calibration.ChipID, error) {
	if len(args) < 1 {
		return "", fmt.Errorf("invalid number of arguments")
	}
	return calibration.ParseChipID(args[0])
}

func parseIntArg(arg string, valueName string) (int, error) {
	value, err := strconv.Atoi(arg)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %v", valueName, err)
	}
	return value, nil
}

func parseFloatArg(arg string, valueName string) (float64, error) {
	value, err := strconv.ParseFloat(arg, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %v", valueName, err)
	}
	return value, nil
}

func parseFloatArgs(args []string, valueName string) ([]float64, error) {
	values := make([]float64, 0, len(args))
	for _, arg := range args {
		v, err := parseFloatArg(arg, valueName)
		if err != nil {
			return nil, err
		}
		values = append(values, v)
	}
	return values, nil
}

func printJSON(cmd *cobra.Command, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	cmd.Println(string(b))
	return nil
}

// formatDelay prints seconds in picoseconds, the unit delays are set in.
func formatDelay(seconds float64) string {
	return strconv.FormatFloat(seconds*1e12, 'f', 3, 64) + " ps"
}

func bool2Text(b bool) string {
	if b {
		return color.New(color.Bold, color.FgGreen).Sprint("✔")
	}
	return color.New(color.Bold, color.FgRed).Sprint("✘")
}

func bold(format string, a ...interface{}) string {
	return color.New(color.Bold).Sprintf(format, a...)
}
