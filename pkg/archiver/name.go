package archiver

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/paulschiretz/pgl-snapback/pkg/util"
)

// DateLayout is the date embedded in archive names and used as the history date key.
const DateLayout = "20060102"

// Kind is the backup type an archive belongs to.
type Kind int

const (
	Full Kind = iota + 1
	Incremental
)

var kindToPrefix = map[Kind]string{
	Full:        "Full",
	Incremental: "Incremental",
}

var prefixToKind = util.InvertMap(kindToPrefix)

func (k Kind) String() string {
	if s, ok := kindToPrefix[k]; ok {
		return s
	}
	return fmt.Sprintf("unknown_kind(%d)", int(k))
}

// Info describes an archive file found in, or destined for, the backup directory.
type Info struct {
	Name   string
	Kind   Kind
	Date   time.Time
	Format Format
}

// DateKey returns the YYYYMMDD key shared with history rows.
func (i Info) DateKey() string {
	return i.Date.Format(DateLayout)
}

// BaseName returns "<Kind>-<YYYYMMDD>" without extension. It is also the staging directory name.
func BaseName(kind Kind, date time.Time) string {
	return kind.String() + "-" + date.Format(DateLayout)
}

// FileName returns the archive file name for kind, date and format.
func FileName(kind Kind, date time.Time, format Format) string {
	return BaseName(kind, date) + "." + format.Extension()
}

// ParseName parses "<Kind>-<YYYYMMDD>.<ext>". Any other name returns ok=false.
func ParseName(name string) (Info, bool) {
	format, base, ok := splitExtension(name)
	if !ok {
		return Info{}, false
	}
	kind, date, ok := ParseBaseName(base)
	if !ok {
		return Info{}, false
	}
	return Info{Name: name, Kind: kind, Date: date, Format: format}, true
}

// ParseBaseName parses "<Kind>-<YYYYMMDD>", the form BaseName produces.
func ParseBaseName(base string) (Kind, time.Time, bool) {
	prefix, dateStr, found := strings.Cut(base, "-")
	if !found {
		return 0, time.Time{}, false
	}
	kind, ok := prefixToKind[prefix]
	if !ok || len(dateStr) != len(DateLayout) {
		return 0, time.Time{}, false
	}
	date, err := time.ParseInLocation(DateLayout, dateStr, time.Local)
	if err != nil {
		return 0, time.Time{}, false
	}
	return kind, date, true
}

func splitExtension(name string) (Format, string, bool) {
	for _, f := range allFormats {
		ext := "." + f.Extension()
		if strings.HasSuffix(name, ext) {
			return f, strings.TrimSuffix(name, ext), true
		}
	}
	return 0, "", false
}

// ListArchives returns every archive in dir that follows the naming contract,
// sorted newest first. A missing directory yields an empty list.
func ListArchives(dir string) ([]Info, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read backup directory %s: %w", dir, err)
	}

	var found []Info
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		if info, ok := ParseName(e.Name()); ok {
			found = append(found, info)
		}
	}
	SortNewestFirst(found)
	return found, nil
}

// SortNewestFirst orders archives by embedded date, descending. Ties keep name order
// so the result is deterministic.
func SortNewestFirst(infos []Info) {
	sort.SliceStable(infos, func(i, j int) bool {
		if !infos[i].Date.Equal(infos[j].Date) {
			return infos[i].Date.After(infos[j].Date)
		}
		return infos[i].Name < infos[j].Name
	})
}

// Latest returns the newest date of the given kind, or the zero time if there is none.
func Latest(infos []Info, kind Kind) time.Time {
	var latest time.Time
	for _, i := range infos {
		if i.Kind == kind && i.Date.After(latest) {
			latest = i.Date
		}
	}
	return latest
}
