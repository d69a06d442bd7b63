// Package fs holds the few file system utilities the daemon needs to keep
// its data folder in shape.
package fs

import (
	"os"
	"os/user"
)

// Ceremony transcripts gate access to the coordinator's ledger; the data
// folder is never group or world writable.
const dataFolderPermission = 0o740

// HomeFolder returns the home folder of the current user.
func HomeFolder() string {
	u, err := user.Current()
	if err != nil {
		panic(err)
	}
	return u.HomeDir
}

// CreateSecureFolder ensures the folder exists with the expected restrictive
// permissions. It returns the folder path, or the empty string when an
// existing folder carries looser permissions than expected.
func CreateSecureFolder(folder string) string {
	info, err := os.Stat(folder)
	if os.IsNotExist(err) {
		if err := os.MkdirAll(folder, dataFolderPermission); err != nil {
			return ""
		}
		return folder
	}
	if err != nil {
		return ""
	}
	if info.Mode().Perm() != dataFolderPermission {
		return ""
	}
	return folder
}

// Exists reports whether the given file or directory exists.
func Exists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}
