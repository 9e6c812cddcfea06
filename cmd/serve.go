package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/sw33tLie/shelfsync/internal/server"
	"github.com/sw33tLie/shelfsync/pkg/engine"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the plan review API",
	Long: `Serves plan listing, approval and apply over HTTP. Set serve.username and
serve.password to require basic auth; the authenticated user is recorded as
the approver.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("listen")
		if addr == "" {
			addr = viper.GetString("serve.addr")
		}
		return withEngine(cmd, func(e *engine.Engine) error {
			srv := server.New(e, viper.GetString("serve.username"), viper.GetString("serve.password"))
			return srv.Start(addr)
		})
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("listen", "", "HTTP listen address (default serve.addr)")
}
