package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/genesistracer/tracer/client"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "tracerc",
	Short: "tracer client",
}

func connect() *client.Client {
	c, err := client.New(viper.GetString("url"),
		client.Manager(viper.GetString("manager-user"), viper.GetString("manager-pass")),
	)
	if err != nil {
		fail(err)
	}
	return c
}

func fail(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}

func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fail(err)
	}
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.PersistentFlags()
	flags.String("url", "http://localhost:10000", "tracer http address")
	flags.String("manager-user", "admin", "manager account name")
	flags.String("manager-pass", "", "manager account password")
	for _, name := range []string{"url", "manager-user", "manager-pass"} {
		viper.BindPFlag(name, flags.Lookup(name))
	}
	viper.BindEnv("url", "TRACER_URL")
	viper.BindEnv("manager-user", "TRACER_MANAGER_USER")
	viper.BindEnv("manager-pass", "TRACER_MANAGER_PASS")
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	viper.SetConfigName(".tracerc")
	viper.AddConfigPath("$HOME")
	viper.AutomaticEnv() // read in environment variables that match

	// If a config file is found, read it in.
	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}
