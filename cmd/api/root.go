package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"cogspace/api/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "cogspace",
	Short: "Versioned store for cognitive and intellectual artifacts",
	Long: "cogspace keeps immutable version histories of cognitive and intellectual artifacts " +
		"and records the lineage of every transformation between them.",
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "config file (default ./cogspace.yaml)")
	flags.String("database-driver", "", "database driver: sqlite or postgres")
	flags.String("database-url", "", "database DSN or SQLite file path")
	flags.String("log-level", "", "log level: debug, info, warn or error")
	_ = viper.BindPFlag("database.driver", flags.Lookup("database-driver"))
	_ = viper.BindPFlag("database.url", flags.Lookup("database-url"))
	_ = viper.BindPFlag("log.level", flags.Lookup("log-level"))
}

func initConfig() {
	if cfgFile, _ := rootCmd.Flags().GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("cogspace")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/cogspace")
	}

	// A missing config file is fine; defaults and environment still apply.
	_ = viper.ReadInConfig()
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}
