package steam

import (
	"fmt"
	"regexp"
	"strconv"
)

const steamID64Base = 76561197960265728

var steamID32Pattern = regexp.MustCompile(`^STEAM_(\d):(\d):(\d+)$`)

// ToSteamID64 converts a SteamID64 or a legacy STEAM_X:Y:Z identifier to
// SteamID64 form.
func ToSteamID64(id string) (string, error) {
	if id == "" {
		return "", fmt.Errorf("empty steam id")
	}
	if isDigits(id) {
		return id, nil
	}

	m := steamID32Pattern.FindStringSubmatch(id)
	if m == nil {
		return "", fmt.Errorf("invalid steam id format: %q", id)
	}

	y, _ := strconv.ParseUint(m[2], 10, 64)
	z, err := strconv.ParseUint(m[3], 10, 64)
	if err != nil {
		return "", fmt.Errorf("invalid steam id account number: %w", err)
	}
	return strconv.FormatUint(z*2+y+steamID64Base, 10), nil
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}
