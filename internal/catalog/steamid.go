package catalog

import "fmt"

const (
	minSteamID64 uint64 = 0x0110000100000001
	maxSteamID64 uint64 = 0x01100001FFFFFFFF
)

// ValidateSteamID64 checks that id falls in the individual-account range.
func ValidateSteamID64(id uint64) error {
	if id < minSteamID64 || id > maxSteamID64 {
		return fmt.Errorf("%w: %d", ErrInvalidSteamID, id)
	}
	return nil
}
