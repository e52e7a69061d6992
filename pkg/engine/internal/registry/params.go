package registry

import (
	"flag"
	"fmt"
	"time"

	"github.com/aqueduct-db/aqueduct/pkg/engine/internal/types"
)

// Params configure the query registry.
type Params struct {
	// NumBuckets is the number of lock-sharded query buckets.
	NumBuckets int `yaml:"num_buckets"`

	// SweepInterval is how often expired queries are collected.
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// DefaultTTL is the idle time-to-live for queries on single servers
	// and coordinators.
	DefaultTTL time.Duration `yaml:"default_ttl"`

	// DBServerTTL is the shorter idle time-to-live used on data servers.
	DBServerTTL time.Duration `yaml:"dbserver_ttl"`

	// TombstoneTTL is the retention of destroyed queries awaiting
	// cleanup. Never refreshed.
	TombstoneTTL time.Duration `yaml:"tombstone_ttl"`
}

// RegisterFlagsWithPrefix registers the params as flags under the prefix.
func (p *Params) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	f.IntVar(&p.NumBuckets, prefix+"num-buckets", 16, "Number of lock-sharded query registry buckets.")
	f.DurationVar(&p.SweepInterval, prefix+"sweep-interval", 10*time.Second, "Interval between expiry sweeps of the query registry.")
	f.DurationVar(&p.DefaultTTL, prefix+"default-ttl", 10*time.Minute, "Idle TTL of registered queries on single servers and coordinators.")
	f.DurationVar(&p.DBServerTTL, prefix+"dbserver-ttl", 30*time.Second, "Idle TTL of registered queries on data servers.")
	f.DurationVar(&p.TombstoneTTL, prefix+"tombstone-ttl", 5*time.Second, "Retention of destroyed queries awaiting cleanup.")
}

func (p *Params) validate() error {
	if p.NumBuckets <= 0 {
		return fmt.Errorf("num buckets must be positive, got %d", p.NumBuckets)
	}
	if p.SweepInterval <= 0 {
		return fmt.Errorf("sweep interval must be positive, got %s", p.SweepInterval)
	}
	if p.DefaultTTL <= 0 || p.DBServerTTL <= 0 || p.TombstoneTTL <= 0 {
		return fmt.Errorf("all registry TTLs must be positive")
	}
	return nil
}

// TTLForRole returns the default idle TTL of the given server role.
func (p *Params) TTLForRole(role types.ServerRole) time.Duration {
	if role.IsDBServer() {
		return p.DBServerTTL
	}
	return p.DefaultTTL
}
