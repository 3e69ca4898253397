package cmd

import (
	"context"
	"fmt"
	"io"
	"log"

	"github.com/genesistracer/tracer/client"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	health "google.golang.org/grpc/health/grpc_health_v1"
)

var healthWatch bool

// healthCmd represents the health command.
var healthCmd = &cobra.Command{
	Use:     "health",
	Short:   "Check tracer health",
	Example: "tracerc --grpc tracer.internal:42113 health -w",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		h, conn, err := client.DialHealth(ctx, viper.GetString("grpc"))
		if err != nil {
			log.Fatal(err)
		}
		defer conn.Close()

		if !healthWatch {
			resp, err := h.Check(ctx, &health.HealthCheckRequest{})
			if err != nil {
				log.Fatal(err)
			}
			fmt.Println(resp.String())
			return
		}

		w, err := h.Watch(ctx, &health.HealthCheckRequest{})
		if err != nil {
			log.Fatal(err)
		}

		var resp health.HealthCheckResponse
		for err = w.RecvMsg(&resp); err == nil; err = w.RecvMsg(&resp) {
			fmt.Println(resp.String())
		}
		if err != nil && !errors.Is(err, io.EOF) {
			log.Fatal(err)
		}
	},
}

func init() {
	rootCmd.AddCommand(healthCmd)
	healthCmd.PersistentFlags().BoolVarP(&healthWatch, "watch", "w", false, "continually watch for status updates")
	rootCmd.PersistentFlags().String("grpc", "localhost:42113", "tracer grpc address")
	viper.BindPFlag("grpc", rootCmd.PersistentFlags().Lookup("grpc"))
	viper.BindEnv("grpc", "TRACER_GRPC_AUTHORITY")
}
