//go:build !linux && !windows

package guard

type unsupportedPlatform struct{}

// DefaultPlatform returns the checks for the running OS.
func DefaultPlatform() Platform { return unsupportedPlatform{} }

func (unsupportedPlatform) CodeChecksum() (uint32, error)   { return 0, ErrUnsupported }
func (unsupportedPlatform) DebuggerAttached() (bool, error) { return false, ErrUnsupported }
