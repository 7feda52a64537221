package strand

import (
	"github.com/spf13/viper"

	"github.com/behrlich/go-strand/internal/constants"
)

// Runtime tunables live in the process-global viper registry so embedding
// applications can bind them to flags, env vars, or config files. Values are
// read at each point of use: a changed fiber.stack_size applies to the next
// spawned fiber, a changed tcp.connect.timeout to the next hooked connect.
const (
	ConfigKeyStackSize      = "fiber.stack_size"
	ConfigKeyConnectTimeout = "tcp.connect.timeout"
)

func init() {
	viper.SetDefault(ConfigKeyStackSize, constants.DefaultStackSize)
	viper.SetDefault(ConfigKeyConnectTimeout, constants.DefaultConnectTimeoutMS)
}

// FiberStackSize returns the configured advisory stack size in bytes.
func FiberStackSize() uint32 {
	v := viper.GetUint32(ConfigKeyStackSize)
	if v == 0 {
		return constants.DefaultStackSize
	}
	return v
}

// ConnectTimeoutMS returns the configured hooked-connect timeout in
// milliseconds. A negative value disables the timeout; zero selects the
// default.
func ConnectTimeoutMS() uint64 {
	v := viper.GetInt(ConfigKeyConnectTimeout)
	if v < 0 {
		return NoTimeout
	}
	if v == 0 {
		return constants.DefaultConnectTimeoutMS
	}
	return uint64(v)
}
