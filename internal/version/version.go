// Package version holds the dataplane version constants reported by -v
// and in the help text.
package version

import "fmt"

const (
	Major = 5
	Minor = 0
	Rev   = 0
	Build = 0
)

// String returns the version in MAJOR.MINOR.REV.BLD form.
func String() string {
	return fmt.Sprintf("%d.%d.%d.%d", Major, Minor, Rev, Build)
}
