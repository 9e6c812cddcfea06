package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/sw33tLie/shelfsync/internal/utils"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

var cfgFile string

const (
	LOGO = `	     _          _  __
	 ___| |__   ___| |/ _|___ _   _ _ __   ___
	/ __| '_ \ / _ \ | |_/ __| | | | '_ \ / __|
	\__ \ | | |  __/ |  _\__ \ |_| | | | | (__
	|___/_| |_|\___|_|_| |___/\__, |_| |_|\___|
	                          |___/
`
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "shelfsync",
	Short: "Keeps storefront prices and pack inventory in line with the market.",
	Long: LOGO + `shelfsync scrapes a reference marketplace and competitor stores, maps what it
finds onto your catalog, and turns the differences into reviewable plans that
are applied to the storefront only after someone approves them.`,
	SilenceUsage: true,
	CompletionOptions: cobra.CompletionOptions{
		DisableDefaultCmd: true,
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	// An interrupt cancels collection and apply; both stop between items.
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		cancel()
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.shelfsync.yaml)")

	// Global flags
	rootCmd.PersistentFlags().StringP("proxy", "", "", "HTTP Proxy (Useful for debugging. Example: http://127.0.0.1:8080)")
	rootCmd.PersistentFlags().StringP("loglevel", "l", "info", "Set log level. Available: debug, info, warn, error, fatal")
	rootCmd.PersistentFlags().String("dbpath", "", "Path to SQLite DB file (overrides db.path)")
	rootCmd.PersistentFlags().Bool("dry-run", false, "Work on a scratch copy of the database and an in-memory storefront")

	viper.BindPFlag("db.path", rootCmd.PersistentFlags().Lookup("dbpath"))
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := homedir.Dir()
		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}
		viper.AddConfigPath(home)
		viper.SetConfigName(".shelfsync")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("shelfsync")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	setDefaults(viper.GetViper())

	// If a config file is found, read it in.
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Config file not found; create it with defaults.
			home, _ := homedir.Dir()
			configPath := home + "/.shelfsync.yaml"
			if err := viper.SafeWriteConfigAs(configPath); err != nil {
				fmt.Printf("Error creating config file: %s", err)
			}
		}
	}

	// Init log library
	levelString, _ := rootCmd.PersistentFlags().GetString("loglevel")
	if err := utils.SetLogLevel(levelString); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("db.path", "shelfsync.sqlite")
	v.SetDefault("lock_dir", "")
	v.SetDefault("concurrency", 4)
	v.SetDefault("matcher.threshold", 0.5)

	v.SetDefault("pricing.rate", "")
	v.SetDefault("pricing.rate_url", "")
	v.SetDefault("pricing.rate_path", "rates")
	v.SetDefault("pricing.rate_ttl", "1h")
	v.SetDefault("pricing.markup_percent", "20")
	v.SetDefault("pricing.markup_fixed", 0)
	v.SetDefault("pricing.round_to", 100)
	v.SetDefault("pricing.round_mode", "nearest")
	v.SetDefault("pricing.ending", 0)

	v.SetDefault("split.units_per_box", 0)
	v.SetDefault("split.fraction", "0.25")
	v.SetDefault("split.pack_markup_percent", "0")

	v.SetDefault("storefront.base_url", "")
	v.SetDefault("storefront.token", "")
	v.SetDefault("storefront.rps", 2.0)

	v.SetDefault("apply.max_attempts", 3)
	v.SetDefault("apply.initial_backoff", "500ms")

	v.SetDefault("serve.addr", ":8080")
	v.SetDefault("serve.username", "")
	v.SetDefault("serve.password", "")
}
