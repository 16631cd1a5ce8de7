package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/aosanya/workflowcore/internal/app"
	"github.com/aosanya/workflowcore/internal/config"
	"github.com/sirupsen/logrus"
)

var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	var (
		configPath  = flag.String("config", "config.yaml", "Path to configuration file")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("workflowcore\n")
		fmt.Printf("Version: %s\n", version)
		fmt.Printf("Build Time: %s\n", buildTime)
		fmt.Printf("Git Commit: %s\n", gitCommit)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.WithError(err).Fatal("failed to load configuration")
	}

	logrus.WithFields(logrus.Fields{
		"version":    version,
		"build_time": buildTime,
		"git_commit": gitCommit,
	}).Info("starting workflowcore orchestrator")

	application, err := app.New(cfg)
	if err != nil {
		logrus.WithError(err).Fatal("failed to initialize application")
	}

	if err := application.Run(); err != nil {
		logrus.WithError(err).Fatal("application failed")
	}
}
