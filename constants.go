package strand

import "github.com/behrlich/go-strand/internal/constants"

// Re-export defaults for external users
const (
	DefaultStackSize        = constants.DefaultStackSize
	DefaultConnectTimeoutMS = constants.DefaultConnectTimeoutMS

	// NoTimeout marks an infinite timeout / no pending deadline
	NoTimeout = constants.NoTimeout
)
