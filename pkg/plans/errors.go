package plans

import "errors"

var (
	ErrPlanNotFound   = errors.New("plans: plan not found")
	ErrInvalidCatalog = errors.New("plans: invalid catalog")
	ErrReadCatalog    = errors.New("plans: failed to read catalog file")
)
