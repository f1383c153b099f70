package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/espritsec/scanctl/internal/api"
	"github.com/espritsec/scanctl/internal/artifacts"
	"github.com/espritsec/scanctl/internal/llm"
	"github.com/espritsec/scanctl/internal/quota"
	"github.com/espritsec/scanctl/internal/ratelimit"
	"github.com/espritsec/scanctl/internal/sandbox"
	"github.com/espritsec/scanctl/internal/store"
)

func main() {
	// Load .env if present; real deployments set the environment directly
	_ = godotenv.Load()

	ctx := context.Background()

	// Load configuration from environment
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		dbURL = "postgres://localhost:5432/scanctl?sslmode=disable"
	}

	port := 8080
	if portStr := os.Getenv("PORT"); portStr != "" {
		fmt.Sscanf(portStr, "%d", &port)
	}

	// JWT configuration
	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		log.Println("WARNING: Using default JWT_SECRET. Set JWT_SECRET environment variable in production!")
		jwtSecret = "change-me-in-production-min-32-chars"
	}

	// CORS configuration
	corsOrigins := os.Getenv("CORS_ALLOWED_ORIGINS")
	if corsOrigins == "" {
		corsOrigins = "http://localhost:3000"
	}

	// Initialize store
	log.Println("Connecting to database...")
	st, err := store.NewStore(ctx, dbURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer st.Close()

	if err := st.Ping(ctx); err != nil {
		log.Fatalf("Failed to ping database: %v", err)
	}
	log.Println("Database connection successful")

	// Quota limits: built-in defaults unless an override file is given
	limits := quota.DefaultLimits()
	if limitsFile := os.Getenv("QUOTA_LIMITS_FILE"); limitsFile != "" {
		limits, err = quota.LoadLimits(limitsFile)
		if err != nil {
			log.Fatalf("Failed to load quota limits: %v", err)
		}
		log.Printf("Loaded quota limits from %s", limitsFile)
	}
	enforcer := quota.NewEnforcer(st.Usage, st.TenantPlans, limits)

	// AWS clients for the sandbox backend and report storage
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		log.Fatalf("Failed to load AWS configuration: %v", err)
	}

	sandboxConfig := sandboxConfigFromEnv()
	manager := sandbox.NewManager(sandboxConfig, ecs.NewFromConfig(awsCfg), ec2.NewFromConfig(awsCfg))

	// LLM proxy is optional; sandboxes fall back to their own keys without it
	var generator llm.Generator
	if apiKey := os.Getenv("ANTHROPIC_API_KEY"); apiKey != "" {
		llmConfig := llm.DefaultConfig()
		llmConfig.APIKey = apiKey
		if model := os.Getenv("LLM_DEFAULT_MODEL"); model != "" {
			llmConfig.DefaultModel = model
		}
		generator = llm.NewClient(llmConfig)
	} else {
		log.Println("ANTHROPIC_API_KEY not set, LLM proxy disabled")
	}

	// Report artifacts are optional
	var artifactStore *artifacts.Store
	if bucket := os.Getenv("REPORTS_BUCKET"); bucket != "" {
		artifactStore = artifacts.NewStore(s3.NewFromConfig(awsCfg), bucket)
		log.Printf("Storing scan reports in s3://%s", bucket)
	}

	// Per-tenant rate limiting on the LLM proxy, if redis is available
	var limiter *ratelimit.Limiter
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		opts, err := redis.ParseURL(redisURL)
		if err != nil {
			log.Fatalf("Invalid REDIS_URL: %v", err)
		}
		rdb := redis.NewClient(opts)
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Printf("WARNING: redis unreachable, rate limiting disabled: %v", err)
		} else {
			limiter = ratelimit.NewLimiter(rdb, 60, time.Minute)
		}
	}

	// Create server config
	config := api.DefaultServerConfig()
	config.Port = port
	config.JWTSecret = jwtSecret
	config.AllowedOrigins = strings.Split(corsOrigins, ",")

	log.Printf("Server configured:")
	log.Printf("  Port: %d", config.Port)
	log.Printf("  Sandbox cluster: %s", sandboxConfig.Cluster)
	log.Printf("  CORS origins: %v", config.AllowedOrigins)

	// Create API server
	server := api.NewServer(config, st, manager, enforcer, generator, artifactStore, limiter)

	// Start server in a goroutine
	go func() {
		if err := server.Start(); err != nil {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shut down the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	// Gracefully shutdown the server with a timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server exited")
}

// sandboxConfigFromEnv builds the sandbox backend configuration,
// falling back to the defaults for anything unset
func sandboxConfigFromEnv() *sandbox.Config {
	config := sandbox.DefaultConfig()

	if cluster := os.Getenv("SANDBOX_CLUSTER"); cluster != "" {
		config.Cluster = cluster
	}
	if taskDef := os.Getenv("SANDBOX_TASK_DEFINITION"); taskDef != "" {
		config.TaskDefinition = taskDef
	}
	if subnets := os.Getenv("SANDBOX_SUBNETS"); subnets != "" {
		config.Subnets = strings.Split(subnets, ",")
	}
	if groups := os.Getenv("SANDBOX_SECURITY_GROUPS"); groups != "" {
		config.SecurityGroups = strings.Split(groups, ",")
	}
	if proxyURL := os.Getenv("LLM_PROXY_URL"); proxyURL != "" {
		config.LLMProxyURL = proxyURL
	}
	if ttl := os.Getenv("SANDBOX_TTL"); ttl != "" {
		d, err := time.ParseDuration(ttl)
		if err != nil {
			log.Fatalf("Invalid SANDBOX_TTL: %v", err)
		}
		config.TTL = d
	}

	return config
}
