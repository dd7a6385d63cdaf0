package region

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ConnectionProvider is the process-scoped seam the write path and the
// background workers resolve regions through. Keeping it an interface lets
// a distributed deployment substitute its own resolution without touching
// call sites.
type ConnectionProvider interface {
	// ResolveRegion returns a company's home region, DefaultRegion when the
	// tenant has none assigned.
	ResolveRegion(ctx context.Context, companyID string) (Region, error)

	// StoreFor returns the event store handle for a region. Unconfigured
	// regions are a ConfigurationError, not a retryable fault.
	StoreFor(ctx context.Context, r Region) (EventStore, error)

	// AllRegions returns every configured region.
	AllRegions(ctx context.Context) ([]Region, error)

	// Invalidate drops cached DataStore configuration and any store handles
	// built from it. Call after the region_data_stores rows change.
	Invalidate()
}

// ObjectStorageCredentials carries the static credentials used for every
// region's cold-storage bucket. The bucket and endpoint themselves come
// from the per-region DataStore row.
type ObjectStorageCredentials struct {
	AccessKeyID     string
	SecretAccessKey string
	Endpoint        string
}

// Registry resolves tenants to regions and lazily owns one database
// connection pool per region, backed by DataStore configuration loaded once
// from the primary store and cached until Invalidate.
type Registry struct {
	primary   *sql.DB
	directory Directory
	logger    *slog.Logger
	storage   ObjectStorageCredentials

	mu         sync.Mutex
	dataStores map[Region]DataStore
	loaded     bool
	pools      map[Region]*sql.DB
	stores     map[Region]EventStore
	s3Clients  map[Region]*s3.Client
}

// NewRegistry creates a registry reading configuration from the primary
// database.
func NewRegistry(primary *sql.DB, directory Directory, storage ObjectStorageCredentials, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		primary:    primary,
		directory:  directory,
		logger:     logger,
		storage:    storage,
		dataStores: make(map[Region]DataStore),
		pools:      make(map[Region]*sql.DB),
		stores:     make(map[Region]EventStore),
		s3Clients:  make(map[Region]*s3.Client),
	}
}

// ResolveRegion implements ConnectionProvider.
func (r *Registry) ResolveRegion(ctx context.Context, companyID string) (Region, error) {
	c, err := r.directory.Company(ctx, companyID)
	if err != nil {
		return "", err
	}
	if c.DataRegion == "" {
		return DefaultRegion, nil
	}
	return c.DataRegion, nil
}

// StoreFor implements ConnectionProvider.
func (r *Registry) StoreFor(ctx context.Context, reg Region) (EventStore, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if store, ok := r.stores[reg]; ok {
		return store, nil
	}

	ds, err := r.dataStoreLocked(ctx, reg)
	if err != nil {
		return nil, err
	}

	pool, err := sql.Open("postgres", ds.DBURL)
	if err != nil {
		return nil, &ConfigurationError{Region: reg, Reason: fmt.Sprintf("open regional database: %v", err)}
	}

	r.pools[reg] = pool
	store := NewPostgresEventStore(pool, reg, r.logger)
	r.stores[reg] = store

	r.logger.Info("opened regional store", "region", reg)
	return store, nil
}

// AllRegions implements ConnectionProvider.
func (r *Registry) AllRegions(ctx context.Context) ([]Region, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.loadLocked(ctx); err != nil {
		return nil, err
	}

	regions := make([]Region, 0, len(r.dataStores))
	for _, known := range KnownRegions {
		if _, ok := r.dataStores[known]; ok {
			regions = append(regions, known)
		}
	}
	return regions, nil
}

// Invalidate implements ConnectionProvider. Cached stores and pools are
// dropped along with the configuration, so a changed db_url takes effect on
// the next StoreFor. In-flight calls on old pools finish before the pool
// closes.
func (r *Registry) Invalidate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dataStores = make(map[Region]DataStore)
	r.loaded = false
	r.s3Clients = make(map[Region]*s3.Client)

	for reg, pool := range r.pools {
		if err := pool.Close(); err != nil {
			r.logger.Warn("failed to close regional pool on invalidate",
				"region", reg, "error", err)
		}
	}
	r.pools = make(map[Region]*sql.DB)
	r.stores = make(map[Region]EventStore)
}

// ObjectStorageFor returns the cold-storage client and bucket for a region.
func (r *Registry) ObjectStorageFor(ctx context.Context, reg Region) (*s3.Client, string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ds, err := r.dataStoreLocked(ctx, reg)
	if err != nil {
		return nil, "", err
	}

	if client, ok := r.s3Clients[reg]; ok {
		return client, ds.ColdStorageBucket, nil
	}

	client := s3.New(s3.Options{
		Region: "auto",
		Credentials: aws.NewCredentialsCache(credentials.NewStaticCredentialsProvider(
			r.storage.AccessKeyID,
			r.storage.SecretAccessKey,
			"",
		)),
		BaseEndpoint: aws.String(r.storage.Endpoint),
	})
	r.s3Clients[reg] = client
	return client, ds.ColdStorageBucket, nil
}

// Close releases every regional connection pool. Call during shutdown.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error
	for reg, pool := range r.pools {
		if err := pool.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close pool for region %s: %w", reg, err)
		}
	}
	r.pools = make(map[Region]*sql.DB)
	r.stores = make(map[Region]EventStore)
	return firstErr
}

func (r *Registry) dataStoreLocked(ctx context.Context, reg Region) (DataStore, error) {
	if err := r.loadLocked(ctx); err != nil {
		return DataStore{}, err
	}
	ds, ok := r.dataStores[reg]
	if !ok {
		return DataStore{}, &ConfigurationError{Region: reg, Reason: "no region_data_stores row"}
	}
	return ds, nil
}

func (r *Registry) loadLocked(ctx context.Context) error {
	if r.loaded {
		return nil
	}

	query := `SELECT region, db_url, read_only_url, cold_storage_provider, cold_storage_bucket FROM region_data_stores`
	rows, err := r.primary.QueryContext(ctx, query)
	if err != nil {
		return fmt.Errorf("load region data stores: %w", err)
	}
	defer rows.Close()

	loaded := make(map[Region]DataStore)
	for rows.Next() {
		var ds DataStore
		if err := rows.Scan(&ds.Region, &ds.DBURL, &ds.ReadOnlyURL, &ds.ColdStorageProvider, &ds.ColdStorageBucket); err != nil {
			return fmt.Errorf("scan region data store: %w", err)
		}
		loaded[ds.Region] = ds
	}
	if err := rows.Err(); err != nil {
		return err
	}

	r.dataStores = loaded
	r.loaded = true
	r.logger.Info("loaded region data store configuration", "regions", len(loaded))
	return nil
}

// StaticProvider is an in-memory ConnectionProvider for tests and
// single-region development: fixed stores, directory-backed resolution.
type StaticProvider struct {
	Directory Directory

	mu     sync.RWMutex
	stores map[Region]EventStore
}

// NewStaticProvider creates a provider over a fixed set of stores.
func NewStaticProvider(directory Directory) *StaticProvider {
	return &StaticProvider{
		Directory: directory,
		stores:    make(map[Region]EventStore),
	}
}

// AddStore registers the store handle for a region.
func (p *StaticProvider) AddStore(r Region, store EventStore) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stores[r] = store
}

// ResolveRegion implements ConnectionProvider.
func (p *StaticProvider) ResolveRegion(ctx context.Context, companyID string) (Region, error) {
	c, err := p.Directory.Company(ctx, companyID)
	if err != nil {
		return "", err
	}
	if c.DataRegion == "" {
		return DefaultRegion, nil
	}
	return c.DataRegion, nil
}

// StoreFor implements ConnectionProvider.
func (p *StaticProvider) StoreFor(ctx context.Context, r Region) (EventStore, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	store, ok := p.stores[r]
	if !ok {
		return nil, &ConfigurationError{Region: r, Reason: "no store configured"}
	}
	return store, nil
}

// AllRegions implements ConnectionProvider.
func (p *StaticProvider) AllRegions(ctx context.Context) ([]Region, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	regions := make([]Region, 0, len(p.stores))
	for _, known := range KnownRegions {
		if _, ok := p.stores[known]; ok {
			regions = append(regions, known)
		}
	}
	return regions, nil
}

// Invalidate implements ConnectionProvider. No-op for static configuration.
func (p *StaticProvider) Invalidate() {}
