package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/veera-rapido/asterisk-websocket-examples/pkg/astws"
)

var (
	verbose     bool
	ariHost     string
	ariPort     int
	stasisApp   string
	ariUser     string
	ariPassword string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "astws",
		Short: "Asterisk websocket test utility",
		Long:  "Command line utility to test ARI and media websocket connections in both client and server roles",
	}

	// Global flags
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().StringVar(&ariHost, "ari-host", "", "Asterisk ARI host to connect to")
	rootCmd.PersistentFlags().IntVar(&ariPort, "ari-port", 0, "Asterisk ARI port to connect to")
	rootCmd.PersistentFlags().StringVarP(&stasisApp, "app", "a", "", "Stasis app to register as")
	rootCmd.PersistentFlags().StringVar(&ariUser, "ari-user", "", "ARI user to authenticate as")
	rootCmd.PersistentFlags().StringVar(&ariPassword, "ari-password", "", "Password for ARI user")

	// Add subcommands
	rootCmd.AddCommand(clientCmd())
	rootCmd.AddCommand(serverCmd())
	rootCmd.AddCommand(echoTestCmd())
	rootCmd.AddCommand(listenCmd())
	rootCmd.AddCommand(devicesCmd())
	rootCmd.AddCommand(configCmd())

	if err := rootCmd.Execute(); err != nil {
		astws.GetGlobalLogger().WithError(err).Fatal("CLI execution failed")
	}
}

// buildConfig layers environment configuration under the command line
// flags, flags winning.
func buildConfig() *astws.Config {
	if verbose {
		astws.SetGlobalLogger(astws.NewLogger(&astws.LogConfig{
			Level:  astws.DebugLevel,
			Pretty: true,
			Output: os.Stdout,
		}))
	}

	config := astws.NewConfig()
	if ariHost != "" {
		config.AriHost = ariHost
	}
	if ariPort != 0 {
		config.AriPort = ariPort
	}
	if stasisApp != "" {
		config.App = stasisApp
	}
	if ariUser != "" {
		config.Username = ariUser
	}
	if ariPassword != "" {
		config.Password = ariPassword
	}
	return config
}

func requireValid(config *astws.Config) error {
	issues := config.Validate()
	if len(issues) == 0 {
		return nil
	}
	for _, issue := range issues {
		astws.Errorf("Config: %s", issue)
	}
	return fmt.Errorf("invalid configuration (%d issues)", len(issues))
}

func configCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Show the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			config := buildConfig()
			config.PrintConfig()
			return requireValid(config)
		},
	}
}

func devicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List audio output devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			devices, err := astws.ListOutputDevices()
			if err != nil {
				return err
			}
			fmt.Println("Output Devices")
			fmt.Println("==================================================")
			for _, dev := range devices {
				marker := "  "
				if dev.IsDefault {
					marker = "* "
				}
				fmt.Printf("%s[%d] %s (channels: %d, rate: %.0f)\n",
					marker, dev.ID, dev.Name, dev.MaxOutputChannels, dev.DefaultSampleRate)
			}
			return nil
		},
	}
}
