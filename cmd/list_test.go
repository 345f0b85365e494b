package cmd

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/paulschiretz/pgl-snapback/pkg/archiver"
	"github.com/paulschiretz/pgl-snapback/pkg/engine"
)

func TestPrintListing(t *testing.T) {
	t.Run("Empty directory", func(t *testing.T) {
		var buf bytes.Buffer
		printListing(&buf, "/backups", &engine.Listing{})
		if !strings.Contains(buf.String(), "No archives in /backups") {
			t.Errorf("unexpected output: %s", buf.String())
		}
	})

	t.Run("Archives and orphans", func(t *testing.T) {
		// Arrange
		date := time.Date(2026, 1, 5, 0, 0, 0, 0, time.Local)
		listing := &engine.Listing{
			Archives: []engine.ListEntry{{
				Info:        archiver.Info{Name: "Full-20260105.zip", Kind: archiver.Full, Date: date, Format: archiver.Zip},
				Size:        2048,
				HistoryRows: 12,
			}},
			OrphanDates: []string{"20251201"},
		}
		var buf bytes.Buffer

		// Act
		printListing(&buf, "/backups", listing)

		// Assert
		out := buf.String()
		for _, want := range []string{"Full", "2026-01-05", "Full-20260105.zip", "12", "2.0 KiB", "20251201"} {
			if !strings.Contains(out, want) {
				t.Errorf("expected %q in output:\n%s", want, out)
			}
		}
	})
}

func TestResolveArchivePath(t *testing.T) {
	got, err := resolveArchivePath("/backups", "Incremental-20260105.tar.lz4")
	if err != nil || got != "/backups/Incremental-20260105.tar.lz4" {
		t.Errorf("bare name: got %q, %v", got, err)
	}
	if _, err := resolveArchivePath("/backups", "notes.txt"); err == nil {
		t.Error("expected error for a name outside the naming contract")
	}
	got, err = resolveArchivePath("/backups", "/elsewhere/Full-20260101.zip")
	if err != nil || got != "/elsewhere/Full-20260101.zip" {
		t.Errorf("absolute path: got %q, %v", got, err)
	}
}
