package netconfig

import (
	"log/slog"
	"os"
	"os/user"
	"strconv"
)

// chownBestEffort sets path's group ownership to groupName if that group
// exists on the host. Failure is logged, not fatal — systemd-networkd can
// still read a file it owns via other means, and plenty of test/dev hosts
// lack the systemd-network group entirely.
func chownBestEffort(path, groupName string) {
	grp, err := user.LookupGroup(groupName)
	if err != nil {
		slog.Debug("group lookup failed, leaving file group unchanged", "group", groupName, "error", err)
		return
	}
	gid, err := strconv.Atoi(grp.Gid)
	if err != nil {
		return
	}
	if err := os.Chown(path, -1, gid); err != nil {
		slog.Debug("chown failed, leaving file group unchanged", "path", path, "group", groupName, "error", err)
	}
}
