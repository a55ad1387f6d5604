package database

import (
	"time"

	"github.com/bradfitz/gomemcache/memcache"
	"github.com/pkg/errors"

	"github.com/totegamma/affiliate-ledger/internal/config"
)

// NewMemcached connects to the configured memcached and verifies it
// answers. It returns nil without error when no address is configured.
func NewMemcached(cfg config.Memcached) (*memcache.Client, error) {
	if cfg.Addr == "" {
		return nil, nil
	}

	client := memcache.New(cfg.Addr)
	client.Timeout = 500 * time.Millisecond
	if err := client.Ping(); err != nil {
		return nil, errors.Wrap(err, "database.NewMemcached: ping failed")
	}
	return client, nil
}
