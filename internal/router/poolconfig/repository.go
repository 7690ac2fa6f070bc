package poolconfig

import "context"

// Repository is the storage contract the router's config-sync loop needs:
// the set of currently active pool configurations, nothing else. Writing
// and administering pool configs is an external collaborator's concern.
type Repository interface {
	FindAllActive(ctx context.Context) ([]*Config, error)
}
