package cmd

import (
	"context"

	"github.com/genesistracer/tracer/macaddr"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

// lookupCmd represents the lookup command
var lookupCmd = &cobra.Command{
	Use:     "lookup",
	Short:   "Resolve door phones by mac",
	Example: "tracerc lookup AA:BB:CC:DD:EE:FF 00-11-22-33-44-55",
	Args: func(_ *cobra.Command, args []string) error {
		if len(args) < 1 {
			return errors.New("requires at least one mac")
		}
		for _, arg := range args {
			if macaddr.Normalize(arg) == "" {
				return errors.Errorf("invalid mac: %q", arg)
			}
		}
		return nil
	},
	Run: func(cmd *cobra.Command, args []string) {
		c := connect()
		for _, mac := range args {
			res, err := c.Lookup(context.Background(), mac)
			if err != nil && res.MAC == "" {
				fail(err)
			}
			printJSON(res)
		}
	},
}

func init() {
	rootCmd.AddCommand(lookupCmd)
}
