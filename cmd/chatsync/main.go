package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/putto11262002/chatsync/app"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	configFile string
	v          = viper.New()
)

var rootCmd = &cobra.Command{
	Use:   "chatsync",
	Short: "chatsync keeps a local read model of a chat server in sync",
	Long: `chatsync connects to a chat server over its websocket and REST API,
keeps the joined chats, their histories and presence in sync, and serves the
resulting read model and chat commands over a local HTTP endpoint.`,
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Connect to the chat server and serve the read model",
	RunE: func(cmd *cobra.Command, args []string) error {
		config, err := app.LoadConfig(v, configFile)
		if err != nil {
			return err
		}
		a, err := app.New(config)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(),
			syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGHUP)
		defer stop()
		return a.Run(ctx)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file (default ./chatsync.yaml)")

	runCmd.Flags().String("server", "", "base URL of the chat server")
	runCmd.Flags().String("token", "", "bearer token of the user")
	runCmd.Flags().String("listen", "", "address of the read model endpoint")
	v.BindPFlag("server.url", runCmd.Flags().Lookup("server"))
	v.BindPFlag("auth.token", runCmd.Flags().Lookup("token"))
	v.BindPFlag("http.listen", runCmd.Flags().Lookup("listen"))

	rootCmd.AddCommand(runCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
