package main

import (
	"fmt"
	"log"
	"os"

	"battery-policy/internal/api/handlers"
	"battery-policy/internal/api/middleware"
	"battery-policy/internal/config"
	"battery-policy/internal/data"
	"battery-policy/internal/deploy"
	"battery-policy/internal/policy"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	// Get configuration from environment
	port := os.Getenv("API_PORT")
	if port == "" {
		port = "8080"
	}
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}
	checkpointPath := os.Getenv("CHECKPOINT_PATH")
	if checkpointPath == "" {
		checkpointPath = "checkpoint.json"
	}
	historyPath := os.Getenv("HISTORY_PATH")
	if historyPath == "" {
		historyPath = "history.csv"
	}

	adapter, err := buildAdapter(configPath, checkpointPath, historyPath)
	if err != nil {
		log.Fatalf("Failed to build control adapter: %v", err)
	}

	// Set up Gin router
	if os.Getenv("API_ENV") == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()

	// Apply middleware
	router.Use(middleware.CORS())
	router.Use(middleware.Logger())
	router.Use(middleware.ErrorHandler())

	// Initialize handlers
	actHandler := handlers.NewActHandler(adapter)

	// Health check
	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	// Prometheus metrics
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.POST("/act", actHandler.Act)
		v1.POST("/reset", actHandler.Reset)
	}

	log.Printf("Control API listening on port %s", port)
	if err := router.Run(":" + port); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}

// buildAdapter loads the trained controller and the historical series that
// backs telemetry imputation.
func buildAdapter(configPath, checkpointPath, historyPath string) (*deploy.Adapter, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", configPath, err)
	}

	ctrl, err := cfg.BuildController()
	if err != nil {
		return nil, err
	}
	if err := policy.LoadCheckpoint(checkpointPath, cfg.Model.Kind, ctrl); err != nil {
		return nil, fmt.Errorf("load checkpoint %s: %w", checkpointPath, err)
	}
	ctrl.SetTraining(false)

	series, err := data.LoadSeriesCSV(historyPath)
	if err != nil {
		return nil, fmt.Errorf("load history %s: %w", historyPath, err)
	}

	var stepper deploy.Stepper
	switch c := ctrl.(type) {
	case *policy.Discrete:
		stepper = deploy.NewDiscreteStepper(c)
	case *policy.Signature:
		stepper = deploy.NewSignatureStepper(c)
	default:
		return nil, fmt.Errorf("no stepper for controller %T", ctrl)
	}

	return deploy.NewAdapter(stepper, series.Columns, series.Features)
}
