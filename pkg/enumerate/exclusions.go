package enumerate

import (
	"path/filepath"
	"strings"
)

// transientExtensions are temp, swap, config, shortcut, database and
// remote-desktop files. They are either rebuilt by their owners or useless
// outside the machine that wrote them.
var transientExtensions = map[string]struct{}{
	".tmp":  {},
	".temp": {},
	".swp":  {},
	".ini":  {},
	".lnk":  {},
	".db":   {},
	".rdp":  {},
}

// autosavePrefix marks Office owner/lock files such as "~$report.docx".
const autosavePrefix = "~$"

// IsExcluded reports whether a file name is skipped during enumeration.
func IsExcluded(name string) bool {
	if strings.HasPrefix(name, autosavePrefix) {
		return true
	}
	_, ok := transientExtensions[strings.ToLower(filepath.Ext(name))]
	return ok
}
