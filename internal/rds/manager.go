package rds

import (
	"context"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/cockroachdb/errors"
)

// ConfigLoader returns the AWS configuration for a region.
type ConfigLoader func(ctx context.Context, region string) (aws.Config, error)

// ClientManager builds facades per region from one template and caches them.
type ClientManager struct {
	mu       sync.Mutex
	clients  map[string]*Client
	load     ConfigLoader
	template ClientConfig
}

// ClientManagerConfig contains configuration for the ClientManager.
type ClientManagerConfig struct {
	Load ConfigLoader
	// Template carries the waiter, logger, intervals and endpoint override for every client.
	// Its AWSConfig is replaced by the loaded one.
	Template ClientConfig
}

// NewClientManager creates a new ClientManager.
func NewClientManager(cfg ClientManagerConfig) *ClientManager {
	return &ClientManager{
		clients:  make(map[string]*Client),
		load:     cfg.Load,
		template: cfg.Template,
	}
}

// GetClient returns the facade for region, loading its AWS configuration on first use.
func (m *ClientManager) GetClient(ctx context.Context, region string) (*Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if client, ok := m.clients[region]; ok {
		return client, nil
	}

	awsCfg, err := m.load(ctx, region)
	if err != nil {
		return nil, errors.Wrapf(err, "rds client for region %s", region)
	}

	clientCfg := m.template
	clientCfg.AWSConfig = awsCfg
	client := NewClient(clientCfg)
	m.clients[region] = client
	return client, nil
}
