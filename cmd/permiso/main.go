package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/rupak1811/permiso/internal/model"
)

var (
	version  = "0.1.0"
	cfgFile  string
	logLevel string
	v        = viper.New()
)

var rootCmd = &cobra.Command{
	Use:   "permiso",
	Short: "Permit management terminal client",
	Long:  `permiso - live project, permit and notification views backed by the permit server`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runClient()
	},
	SilenceUsage: true,
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		return writeDefaultConfig()
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent session transitions",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		return showHistory(limit)
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Clear the stored session",
	RunE: func(cmd *cobra.Command, args []string) error {
		return logout()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("permiso v%s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ~/.config/permiso/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
	v.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))

	historyCmd.Flags().Int("limit", 20, "number of entries to show")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(logoutCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func configPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	return model.DefaultConfigPath()
}

func loadConfig() (*model.AppConfig, error) {
	return model.LoadConfig(v, configPath())
}

func writeDefaultConfig() error {
	path := configPath()
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config %s already exists", path)
	}
	cfg, err := model.LoadConfig(viper.New(), path)
	if err != nil {
		return err
	}
	if err := model.SaveConfig(path, cfg); err != nil {
		return err
	}
	fmt.Printf("Wrote %s\n", path)
	return nil
}
