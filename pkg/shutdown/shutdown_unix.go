//go:build !windows

package shutdown

// PlatformDefault returns the generic Unix host-termination command used
// when Default is given no explicit command.
func PlatformDefault() Func {
	return Command("shutdown -h now")
}
