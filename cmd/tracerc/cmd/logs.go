package cmd

import (
	"context"
	"os"

	"github.com/spf13/cobra"
)

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Show recent installer logins",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		logs, err := connect().Logins(context.Background())
		if err != nil {
			fail(err)
		}
		printJSON(logs)
	},
}

var backupOut string

var backupCmd = &cobra.Command{
	Use:     "backup",
	Short:   "Download a backup of every installer and login",
	Example: "tracerc backup -o tracer-backup.json",
	Args:    cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		w := os.Stdout
		if backupOut != "" && backupOut != "-" {
			f, err := os.OpenFile(backupOut, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
			if err != nil {
				fail(err)
			}
			defer f.Close()
			w = f
		}
		if err := connect().Backup(context.Background(), w); err != nil {
			fail(err)
		}
	},
}

func init() {
	rootCmd.AddCommand(logsCmd, backupCmd)
	backupCmd.Flags().StringVarP(&backupOut, "output", "o", "-", "file to write, - for stdout")
}
