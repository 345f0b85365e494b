package replicate

import (
	"os"
	"time"
)

// upToDate reports whether the destination copy matches the local archive.
// Modification times are compared at second precision, which is what SFTP
// servers keep.
func upToDate(local os.FileInfo, remote Entry) bool {
	if remote.Size != local.Size() {
		return false
	}
	return remote.ModTime.Truncate(time.Second).Equal(local.ModTime().Truncate(time.Second))
}
