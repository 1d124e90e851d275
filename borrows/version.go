package borrows

// Version information for the Stacked Borrows monitor.
const (
	// Version is the current version of the monitor library.
	Version = "0.1.0"

	// VersionMajor is the major version number.
	VersionMajor = 0

	// VersionMinor is the minor version number.
	VersionMinor = 1

	// VersionPatch is the patch version number.
	VersionPatch = 0
)

// Info provides runtime information about the monitor.
type Info struct {
	// Version is the library version string.
	Version string

	// Model is the aliasing model the monitor enforces.
	Model string
}

// GetInfo returns information about the monitor.
//
// Example:
//
//	info := borrows.GetInfo()
//	fmt.Printf("borrowmon %s (%s)\n", info.Version, info.Model)
func GetInfo() Info {
	return Info{
		Version: Version,
		Model:   "Stacked Borrows",
	}
}
