package session

import "context"

// Provisioner is the compute backend that creates and destroys desktops.
// Describe returns a NOT_AUTHORIZED AppError when the desktop does not exist,
// and Destroy of an unknown desktop succeeds.
type Provisioner interface {
	Provision(ctx context.Context, req ProvisionRequest) (*Desktop, error)
	Describe(ctx context.Context, id string) (*Desktop, error)
	Destroy(ctx context.Context, id string) error
}
