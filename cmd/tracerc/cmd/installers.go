package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var installersCmd = &cobra.Command{
	Use:     "installers",
	Short:   "Manage installer accounts",
	Example: "tracerc installers list",
}

var installersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List installers, newest first",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		list, err := connect().Installers(context.Background())
		if err != nil {
			fail(err)
		}
		printJSON(list)
	},
}

var installersCreateCmd = &cobra.Command{
	Use:     "create PHONE [MAC...]",
	Short:   "Create an installer and print its password",
	Example: "tracerc installers create 0501234567 AA:BB:CC:DD:EE:FF",
	Args:    cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		password, err := connect().CreateInstaller(context.Background(), args[0], args[1:])
		if err != nil {
			fail(err)
		}
		fmt.Println(password)
	},
}

var installersGetCmd = &cobra.Command{
	Use:   "get PHONE",
	Short: "Show an installer and its macs",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		inst, err := connect().Installer(context.Background(), args[0])
		if err != nil {
			fail(err)
		}
		printJSON(inst)
	},
}

var installersDeleteCmd = &cobra.Command{
	Use:   "delete PHONE",
	Short: "Delete an installer",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if err := connect().DeleteInstaller(context.Background(), args[0]); err != nil {
			fail(err)
		}
	},
}

var installersResetCmd = &cobra.Command{
	Use:   "reset PHONE",
	Short: "Generate a new password for an installer",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		password, err := connect().ResetPassword(context.Background(), args[0])
		if err != nil {
			fail(err)
		}
		fmt.Println(password)
	},
}

func init() {
	rootCmd.AddCommand(installersCmd)
	installersCmd.AddCommand(installersListCmd, installersCreateCmd, installersGetCmd, installersDeleteCmd, installersResetCmd)
}
