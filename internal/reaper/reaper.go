package reaper

import (
	"context"
	"log"
	"time"

	"github.com/espritsec/scanctl/pkg/types"
)

// Lifecycle is the sandbox manager surface the reaper needs
type Lifecycle interface {
	ListRunning(ctx context.Context) ([]types.Sandbox, error)
	Destroy(ctx context.Context, sandboxID string) (bool, error)
}

// Config holds reaper configuration
type Config struct {
	CheckInterval time.Duration
	SandboxTTL    time.Duration
}

// DefaultConfig returns default reaper configuration
func DefaultConfig() *Config {
	return &Config{
		CheckInterval: 5 * time.Minute,
		SandboxTTL:    2 * time.Hour,
	}
}

// Reaper periodically destroys sandboxes that outlived their TTL. The
// TTL stamped at creation is advisory; this loop is what actually
// reclaims the compute.
type Reaper struct {
	config    *Config
	lifecycle Lifecycle
	cancel    context.CancelFunc
}

// NewReaper creates a new reaper instance
func NewReaper(config *Config, lifecycle Lifecycle) *Reaper {
	if config == nil {
		config = DefaultConfig()
	}

	return &Reaper{
		config:    config,
		lifecycle: lifecycle,
	}
}

// Start runs the reaper loop until the context is cancelled
func (r *Reaper) Start(ctx context.Context) error {
	ctx, r.cancel = context.WithCancel(ctx)

	log.Printf("Reaper starting (check_interval=%s, sandbox_ttl=%s)",
		r.config.CheckInterval, r.config.SandboxTTL)

	// Run immediately on start
	r.RunOnce(ctx)

	ticker := time.NewTicker(r.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("Reaper shutting down")
			return ctx.Err()

		case <-ticker.C:
			r.RunOnce(ctx)
		}
	}
}

// Stop stops the reaper gracefully
func (r *Reaper) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
}

// RunOnce performs one reap pass
func (r *Reaper) RunOnce(ctx context.Context) {
	running, err := r.lifecycle.ListRunning(ctx)
	if err != nil {
		log.Printf("Error listing running sandboxes: %v", err)
		return
	}

	now := time.Now()
	reaped := 0
	for _, sb := range running {
		if sb.StartedAt == nil {
			// Not started yet; it cannot have outlived its TTL
			continue
		}
		if now.Sub(*sb.StartedAt) < r.config.SandboxTTL {
			continue
		}

		ok, err := r.lifecycle.Destroy(ctx, sb.ID)
		if err != nil {
			log.Printf("Failed to destroy expired sandbox %s: %v", sb.ID, err)
			continue
		}
		if ok {
			reaped++
			log.Printf("Reaped expired sandbox %s (started=%s)", sb.ID, sb.StartedAt.Format(time.RFC3339))
		}
	}

	if reaped > 0 {
		log.Printf("Reap pass completed, destroyed %d sandboxes", reaped)
	}
}
