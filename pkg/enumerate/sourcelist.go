package enumerate

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/paulschiretz/pgl-snapback/pkg/plog"
)

// UsernamePlaceholder is replaced by the backup user's name in source-list entries.
const UsernamePlaceholder = "{username}"

// ErrEmptySourceList means the source list yielded no usable path.
var ErrEmptySourceList = errors.New("source list contains no paths")

// ReadSourceList reads one absolute path per line. Blank lines and lines
// starting with '#' are skipped; {username} is substituted with username.
func ReadSourceList(path, username string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open source list: %w", err)
	}
	defer f.Close()

	var paths []string
	sc := bufio.NewScanner(f)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(strings.TrimPrefix(sc.Text(), "\ufeff"))
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.Contains(line, UsernamePlaceholder) {
			if username == "" {
				plog.Log(plog.Warning, "Source entry needs a user name but none is known, skipping", "line", lineNo, "entry", line)
				continue
			}
			line = strings.ReplaceAll(line, UsernamePlaceholder, username)
		}
		paths = append(paths, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read source list: %w", err)
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEmptySourceList, path)
	}
	return paths, nil
}
