package provisioning

import "errors"

var (
	ErrResourceNotFound     = errors.New("provisioned resource not found")
	ErrInProgress           = errors.New("provisioning already in progress")
	ErrNoResourcesAvailable = errors.New("no resources available")
	ErrClaimLost            = errors.New("provisioning claim was taken over")
	ErrUnsupportedKind      = errors.New("no provider registered for resource kind")
	ErrProvisioningLeak     = errors.New("acquired resource could not be recorded")
)
