package cmd

import (
	"context"

	"github.com/genesistracer/tracer/accounts"
	"github.com/genesistracer/tracer/macaddr"
	"github.com/spf13/cobra"
)

var assignment accounts.MacAssignment

// macCmd represents the mac command
var macCmd = &cobra.Command{
	Use:   "mac",
	Short: "Assign or remove an installer's macs",
}

var macAssignCmd = &cobra.Command{
	Use:     "assign PHONE MAC",
	Short:   "Assign a mac to an installer, or update its details",
	Example: "tracerc mac assign 0501234567 AA:BB:CC:DD:EE:FF --address 'Tower A' --license-paid",
	Args:    cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		a := assignment
		a.MAC = macaddr.MAC(args[1])
		out, err := connect().AssignMAC(context.Background(), args[0], a)
		if err != nil {
			fail(err)
		}
		printJSON(out)
	},
}

var macRemoveCmd = &cobra.Command{
	Use:   "remove PHONE MAC",
	Short: "Remove a mac from an installer",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		if err := connect().RemoveMAC(context.Background(), args[0], args[1]); err != nil {
			fail(err)
		}
	},
}

func init() {
	rootCmd.AddCommand(macCmd)
	macCmd.AddCommand(macAssignCmd, macRemoveCmd)

	f := macAssignCmd.Flags()
	f.StringVar(&assignment.Address, "address", "", "installation address")
	f.StringVar(&assignment.Notes, "notes", "", "free form notes")
	f.StringVar(&assignment.PurchaseDate, "purchase-date", "", "purchase date")
	f.StringVar(&assignment.StartDate, "start-date", "", "service start date")
	f.StringVar(&assignment.TechnicianName, "technician", "", "technician name")
	f.StringVar(&assignment.SupplierName, "supplier", "", "supplier name")
	f.StringVar(&assignment.Description, "description", "", "device description")
	f.StringVar(&assignment.AnnualFee, "annual-fee", "", "annual fee")
	f.BoolVar(&assignment.LicensePaid, "license-paid", false, "license is paid")
}
