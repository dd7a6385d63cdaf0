// Package region provides tenant-to-region resolution, per-region store
// handles, and the event store contract used by the ingestion path, the
// replication worker, and failover recovery.
package region

import (
	"context"
	"errors"
	"fmt"
)

// Region is an isolated deployment unit with its own database and object
// storage. A tenant has exactly one home region and zero or more replica
// regions.
type Region string

const (
	RegionAU Region = "au"
	RegionUS Region = "us"
	RegionEU Region = "eu"
)

// DefaultRegion is assigned to companies without an explicit home region.
const DefaultRegion = RegionAU

// KnownRegions lists every region the platform can be configured with.
var KnownRegions = []Region{RegionAU, RegionUS, RegionEU}

// Valid reports whether r is one of the known regions.
func (r Region) Valid() bool {
	switch r {
	case RegionAU, RegionUS, RegionEU:
		return true
	}
	return false
}

// DataStore is the read-mostly configuration row for one region: where its
// database lives and which object-storage bucket backs its cold tier. Rows
// are maintained by an external admin process; this engine only reads and
// caches them.
type DataStore struct {
	Region              Region
	DBURL               string
	ReadOnlyURL         *string
	ColdStorageProvider string
	ColdStorageBucket   string
}

// Company is the slice of tenant configuration the core needs: the home
// region and the configured replica regions.
type Company struct {
	ID          string
	Name        string
	DataRegion  Region
	ReplicateTo []Region
}

// Directory resolves tenant records from the primary store.
type Directory interface {
	// Company returns the tenant record, or ErrCompanyNotFound.
	Company(ctx context.Context, companyID string) (*Company, error)

	// Companies returns every tenant record.
	Companies(ctx context.Context) ([]*Company, error)

	// CompaniesWithReplicas returns every tenant that has at least one
	// replica region configured.
	CompaniesWithReplicas(ctx context.Context) ([]*Company, error)
}

// ErrCompanyNotFound is returned when a tenant record does not exist.
var ErrCompanyNotFound = errors.New("company not found")

// ErrEventNotFound is returned when an event id is absent from a store.
var ErrEventNotFound = errors.New("audit event not found")

// ConfigurationError marks an unresolvable region or a missing DataStore
// row. It is fatal: the caller must not retry, a configuration change is
// required.
type ConfigurationError struct {
	Region Region
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("region configuration error (%s): %s", e.Region, e.Reason)
}

// UnavailableError marks a transient regional infrastructure fault. A
// bounded-timeout call that hits one treats the region as unreachable for
// that call only; it does not mark the region globally unhealthy. Only the
// failover coordinator's explicit probe does that.
type UnavailableError struct {
	Region Region
	Err    error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("region %s unavailable: %v", e.Region, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// IsUnavailable reports whether err is a regional-availability fault.
func IsUnavailable(err error) bool {
	var ue *UnavailableError
	return errors.As(err, &ue)
}
