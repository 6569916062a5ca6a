package main

import (
	"context"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/penflow/penflow/internal/cli"
	internal_http "github.com/penflow/penflow/internal/http"
	"github.com/penflow/penflow/internal/log"
	internal_storage "github.com/penflow/penflow/internal/storage"
	"github.com/penflow/penflow/pkg/compiler"
	"github.com/penflow/penflow/pkg/events"
	"github.com/penflow/penflow/pkg/generative"
	"github.com/penflow/penflow/pkg/service"
)

var rootCmd = &cobra.Command{Use: "penflow"}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the penflow engine HTTP server",
	Run: func(cmd *cobra.Command, args []string) {
		logger := log.GetLogger()

		if err := godotenv.Load(); err != nil {
			logger.Debugf("No .env file found: %v", err)
		}

		port, _ := cmd.Flags().GetString("port")
		dbConnStr, _ := cmd.Flags().GetString("db")
		workers, _ := cmd.Flags().GetInt("workers")
		generateURL, _ := cmd.Flags().GetString("generate-url")
		if dbConnStr == "" {
			dbConnStr = os.Getenv("DATABASE_URL")
		}
		if generateURL == "" {
			generateURL = os.Getenv("GENERATE_URL")
		}
		if dbConnStr == "" || generateURL == "" {
			fmt.Println("Error: --db (or DATABASE_URL) and --generate-url (or GENERATE_URL) are required")
			os.Exit(1)
		}

		store, err := internal_storage.InitStore(dbConnStr)
		if err != nil {
			logger.Errorf("Failed to initialize store: %v", err)
			os.Exit(1)
		}
		defer store.Close()

		client := generative.NewHTTPClient(generateURL, os.Getenv("GENERATE_API_KEY"))
		bus := events.NewBus()
		executor := service.NewStageExecutor(client, bus, logger)
		svc := service.NewOrchestratorService(
			context.Background(), store, bus, executor, compiler.NoopCompiler{}, logger, workers)

		router := internal_http.NewRouter(svc)
		logger.Infof("Starting penflow engine on :%s", port)
		if err := router.Run(":" + port); err != nil {
			logger.Errorf("Server stopped: %v", err)
			os.Exit(1)
		}
	},
}

func main() {
	rootCmd.PersistentFlags().String("db", "", "Database connection string")
	serveCmd.Flags().String("port", "8080", "HTTP listen port")
	serveCmd.Flags().Int("workers", service.DefaultWorkers, "Concurrent generative-service calls")
	serveCmd.Flags().String("generate-url", "", "Generative-text service endpoint")
	rootCmd.AddCommand(serveCmd)
	cli.SetupCLI(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
