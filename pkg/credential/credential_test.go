package credential

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"filippo.io/age"
)

func TestSealOpenRoundTrip(t *testing.T) {
	// Arrange
	id, err := age.GenerateX25519Identity()
	if err != nil {
		t.Fatal(err)
	}

	// Act
	sealed, err := Seal("s3cret!", id.Recipient())
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	plain, err := Open(sealed, id)

	// Assert
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if !strings.HasPrefix(sealed, SealedPrefix) {
		t.Errorf("expected %s prefix, got %q", SealedPrefix, sealed)
	}
	if plain != "s3cret!" {
		t.Errorf("expected round trip, got %q", plain)
	}

	t.Run("wrong identity fails", func(t *testing.T) {
		other, _ := age.GenerateX25519Identity()
		if _, err := Open(sealed, other); err == nil {
			t.Error("expected error with a foreign identity")
		}
	})
}

func TestFromConfig(t *testing.T) {
	ctx := context.Background()

	t.Run("plain", func(t *testing.T) {
		pw, err := FromConfig("hunter2", "").Password(ctx)
		if err != nil || pw != "hunter2" {
			t.Errorf("expected plain password, got %q %v", pw, err)
		}
	})

	t.Run("empty is missing", func(t *testing.T) {
		if _, err := FromConfig("", "").Password(ctx); !errors.Is(err, ErrMissing) {
			t.Errorf("expected ErrMissing, got %v", err)
		}
	})

	t.Run("environment", func(t *testing.T) {
		t.Setenv("SNAPBACK_TEST_PASS", "from-env")
		pw, err := FromConfig("env:SNAPBACK_TEST_PASS", "").Password(ctx)
		if err != nil || pw != "from-env" {
			t.Errorf("expected env password, got %q %v", pw, err)
		}
		if _, err := FromConfig("env:SNAPBACK_TEST_UNSET_VAR", "").Password(ctx); !errors.Is(err, ErrMissing) {
			t.Errorf("expected ErrMissing for unset variable, got %v", err)
		}
	})

	t.Run("sealed with identity file", func(t *testing.T) {
		idPath := filepath.Join(t.TempDir(), "snapback.age")
		id, created, err := LoadOrCreateIdentity(idPath)
		if err != nil || !created {
			t.Fatalf("expected a new identity, got created=%v err=%v", created, err)
		}
		sealed, err := Seal("over-the-wire", id.Recipient())
		if err != nil {
			t.Fatal(err)
		}

		pw, err := FromConfig(sealed, idPath).Password(ctx)
		if err != nil || pw != "over-the-wire" {
			t.Errorf("expected unsealed password, got %q %v", pw, err)
		}

		again, created, err := LoadOrCreateIdentity(idPath)
		if err != nil || created || again.String() != id.String() {
			t.Errorf("expected existing identity to be reused")
		}
		if info, err := os.Stat(idPath); err == nil && info.Mode().Perm()&0o077 != 0 && os.PathSeparator == '/' {
			t.Errorf("identity file must not be group/world readable, got %v", info.Mode().Perm())
		}
	})

	t.Run("sealed without identity", func(t *testing.T) {
		if _, err := FromConfig("ENC:AAAA", "").Password(ctx); !errors.Is(err, ErrMissing) {
			t.Errorf("expected ErrMissing, got %v", err)
		}
	})
}
