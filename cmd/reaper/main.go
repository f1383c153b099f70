package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	"github.com/joho/godotenv"

	"github.com/espritsec/scanctl/internal/reaper"
	"github.com/espritsec/scanctl/internal/sandbox"
)

func main() {
	_ = godotenv.Load()

	ctx := context.Background()

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		log.Fatalf("Failed to load AWS configuration: %v", err)
	}

	sandboxConfig := sandbox.DefaultConfig()
	if cluster := os.Getenv("SANDBOX_CLUSTER"); cluster != "" {
		sandboxConfig.Cluster = cluster
	}
	if subnets := os.Getenv("SANDBOX_SUBNETS"); subnets != "" {
		sandboxConfig.Subnets = strings.Split(subnets, ",")
	}

	reaperConfig := reaper.DefaultConfig()
	if interval := os.Getenv("REAPER_CHECK_INTERVAL"); interval != "" {
		d, err := time.ParseDuration(interval)
		if err != nil {
			log.Fatalf("Invalid REAPER_CHECK_INTERVAL: %v", err)
		}
		reaperConfig.CheckInterval = d
	}
	if ttl := os.Getenv("SANDBOX_TTL"); ttl != "" {
		d, err := time.ParseDuration(ttl)
		if err != nil {
			log.Fatalf("Invalid SANDBOX_TTL: %v", err)
		}
		reaperConfig.SandboxTTL = d
		sandboxConfig.TTL = d
	}

	manager := sandbox.NewManager(sandboxConfig, ecs.NewFromConfig(awsCfg), ec2.NewFromConfig(awsCfg))
	r := reaper.NewReaper(reaperConfig, manager)

	reaperCtx, cancel := context.WithCancel(ctx)

	go func() {
		if err := r.Start(reaperCtx); err != nil && err != context.Canceled {
			log.Printf("Reaper error: %v", err)
		}
	}()

	log.Println("Reaper started successfully")

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down reaper...")
	cancel()
	r.Stop()
	log.Println("Reaper exited")
}
