package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/songzhibin97/bookflow/config"
)

var (
	cfgFile  string
	seedFile string
)

var rootCmd = &cobra.Command{
	Use:   "bookflow",
	Short: "Automation rules for the book digitization pipeline",
	Long: `bookflow evaluates automation rules against digitization records.

Rules react to completed stages, reported pages, new records and a daily
check, and advance stages, assign staff, update status or notify people.`,
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is ./config.yml)")
	rootCmd.PersistentFlags().StringVar(&seedFile, "seed", "", "YAML file of books, employees and rules loaded before the command runs")
}

func initConfig() {
	config.SetDefaults(viper.GetViper())
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	config.BindEnv(viper.GetViper())

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Println("Error reading config file:", err)
		}
	}
}
