package db

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// SystemTimezone discovers the host's IANA timezone, first via
// timedatectl, then from the /etc/localtime symlink. Returns "" when
// neither source is available.
func SystemTimezone() string {
	if tz := timezoneFromTimedatectl(); tz != "" {
		return tz
	}
	return timezoneFromLocaltime()
}

func timezoneFromTimedatectl() string {
	out, err := exec.Command("timedatectl", "show", "-P", "Timezone").Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}

func timezoneFromLocaltime() string {
	target, err := os.Readlink("/etc/localtime")
	if err != nil {
		return ""
	}

	// The link ends in "<Area>/<City>", e.g. ".../zoneinfo/Europe/Vienna".
	dir, city := filepath.Split(filepath.Clean(target))
	area := filepath.Base(filepath.Clean(dir))
	if area == "." || city == "" {
		return ""
	}
	return area + "/" + city
}
