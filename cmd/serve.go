package cmd

import (
	"fmt"
	"strconv"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"coralnet/internal/apihandlers"
)

var (
	serveAddr string
	servePort int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the job status HTTP API",
	Long: `Starts an HTTP server exposing job status, job scheduling and the
incident log as a JSON API.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		appInstance, err := GetAppFromContext(cmd.Context())
		if err != nil {
			return err
		}

		if appInstance.Config.Log.Level != "debug" {
			gin.SetMode(gin.ReleaseMode)
		}
		router := apihandlers.NewRouter(apihandlers.NewAPIHandler(appInstance))

		addr := serveAddr
		if !cmd.Flags().Changed("addr") {
			addr = appInstance.Config.Server.Addr
		}
		port := servePort
		if !cmd.Flags().Changed("port") {
			port = appInstance.Config.Server.Port
		}
		listenAddr := addr + ":" + strconv.Itoa(port)
		log.Infof("Starting CoralNet API server on http://%s", listenAddr)

		if err := router.Run(listenAddr); err != nil {
			log.Errorf("Failed to run API server: %v", err)
			return fmt.Errorf("failed to run API server: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Address to listen on (default server.addr)")
	serveCmd.Flags().IntVar(&servePort, "port", 8080, "Port to listen on (default server.port)")
}
