package archive_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"filippo.io/age"

	"tmlsync/internal/archive"
	"tmlsync/internal/config"
)

func TestMemoryArchive_PutSnapshot(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		size    int64
		wantErr bool
	}{
		{name: "store snapshot", data: `{"mods":[]}`, size: 11},
		{name: "size mismatch", data: "hello", size: 100, wantErr: true},
		{name: "empty snapshot", data: "", size: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := archive.NewMemoryArchive()
			err := a.PutSnapshot(context.Background(), "snapshots/2024-03-01/run-1.json", strings.NewReader(tt.data), tt.size)
			if (err != nil) != tt.wantErr {
				t.Fatalf("PutSnapshot() error = %v, wantErr %v", err, tt.wantErr)
			}
			got, ok := a.Get("snapshots/2024-03-01/run-1.json")
			if tt.wantErr {
				if ok {
					t.Error("object stored despite error")
				}
				return
			}
			if !ok || string(got) != tt.data {
				t.Errorf("Get() = %q, %v; want %q, true", got, ok, tt.data)
			}
		})
	}
}

func TestMemoryArchive_Names(t *testing.T) {
	a := archive.NewMemoryArchive()
	ctx := context.Background()
	for _, n := range []string{"b.json", "a.json"} {
		if err := a.PutSnapshot(ctx, n, strings.NewReader("x"), 1); err != nil {
			t.Fatalf("PutSnapshot(%q) error = %v", n, err)
		}
	}
	names := a.Names()
	if len(names) != 2 || names[0] != "a.json" || names[1] != "b.json" {
		t.Errorf("Names() = %v, want [a.json b.json]", names)
	}
}

func TestFileSystemArchive_PutSnapshot(t *testing.T) {
	root := filepath.Join(t.TempDir(), "archive")
	a, err := archive.NewFileSystemArchive(root)
	if err != nil {
		t.Fatalf("NewFileSystemArchive() error = %v", err)
	}

	data := `{"mods":[1]}`
	if err := a.PutSnapshot(context.Background(), "snapshots/2024-03-01/run-1.json", strings.NewReader(data), int64(len(data))); err != nil {
		t.Fatalf("PutSnapshot() error = %v", err)
	}

	got, err := os.ReadFile(filepath.Join(root, "snapshots", "2024-03-01", "run-1.json"))
	if err != nil {
		t.Fatalf("reading snapshot: %v", err)
	}
	if string(got) != data {
		t.Errorf("content = %q, want %q", got, data)
	}

	entries, err := os.ReadDir(filepath.Join(root, "snapshots", "2024-03-01"))
	if err != nil {
		t.Fatalf("ReadDir() error = %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("found %d entries, want 1 (temp file left behind?)", len(entries))
	}
}

func TestFileSystemArchive_Errors(t *testing.T) {
	a, err := archive.NewFileSystemArchive(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileSystemArchive() error = %v", err)
	}

	tests := []struct {
		name string
		file string
		data string
		size int64
	}{
		{name: "size mismatch", file: "snapshots/x.json", data: "abc", size: 10},
		{name: "escapes root", file: "../outside.json", data: "abc", size: 3},
		{name: "absolute", file: "/tmp/outside.json", data: "abc", size: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := a.PutSnapshot(context.Background(), tt.file, strings.NewReader(tt.data), tt.size); err == nil {
				t.Error("PutSnapshot() error = nil, want error")
			}
		})
	}
}

func TestAgeArchive_RoundTrip(t *testing.T) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		t.Fatalf("GenerateX25519Identity() error = %v", err)
	}

	mem := archive.NewMemoryArchive()
	a, err := archive.NewAgeArchive(mem, identity.Recipient().String())
	if err != nil {
		t.Fatalf("NewAgeArchive() error = %v", err)
	}

	plain := bytes.Repeat([]byte(`{"mod_id":1}`), 1000)
	if err := a.PutSnapshot(context.Background(), "snapshots/2024-03-01/run-1.json", bytes.NewReader(plain), int64(len(plain))); err != nil {
		t.Fatalf("PutSnapshot() error = %v", err)
	}

	if _, ok := mem.Get("snapshots/2024-03-01/run-1.json"); ok {
		t.Error("plaintext name stored, want only the .age name")
	}
	ciphertext, ok := mem.Get("snapshots/2024-03-01/run-1.json" + archive.AgeSuffix)
	if !ok {
		t.Fatalf("encrypted snapshot not stored; names = %v", mem.Names())
	}
	if bytes.Contains(ciphertext, []byte(`"mod_id"`)) {
		t.Error("stored snapshot contains plaintext")
	}

	var out bytes.Buffer
	if err := archive.Decrypt(bytes.NewReader(ciphertext), &out, identity); err != nil {
		t.Fatalf("Decrypt() error = %v", err)
	}
	if !bytes.Equal(out.Bytes(), plain) {
		t.Error("decrypted snapshot does not match original")
	}
}

func TestAgeArchive_Errors(t *testing.T) {
	t.Run("invalid recipient", func(t *testing.T) {
		if _, err := archive.NewAgeArchive(archive.NewMemoryArchive(), "not-a-key"); err == nil {
			t.Error("NewAgeArchive() error = nil, want error")
		}
	})

	t.Run("size mismatch", func(t *testing.T) {
		identity, err := age.GenerateX25519Identity()
		if err != nil {
			t.Fatal(err)
		}
		mem := archive.NewMemoryArchive()
		a, err := archive.NewAgeArchive(mem, identity.Recipient().String())
		if err != nil {
			t.Fatal(err)
		}
		if err := a.PutSnapshot(context.Background(), "x.json", strings.NewReader("abc"), 5); err == nil {
			t.Error("PutSnapshot() error = nil, want error")
		}
		if len(mem.Names()) != 0 {
			t.Errorf("names = %v, want none", mem.Names())
		}
	})
}

func TestNewArchiveFromConfig(t *testing.T) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		cfg     config.ArchiveConfig
		wantNil bool
		wantErr bool
	}{
		{name: "none", cfg: config.ArchiveConfig{Type: "none"}, wantNil: true},
		{name: "empty type", cfg: config.ArchiveConfig{}, wantNil: true},
		{name: "memory", cfg: config.ArchiveConfig{Type: "memory"}},
		{name: "filesystem", cfg: config.ArchiveConfig{Type: "filesystem", Root: t.TempDir()}},
		{name: "filesystem without root", cfg: config.ArchiveConfig{Type: "filesystem"}, wantErr: true},
		{name: "s3 without bucket", cfg: config.ArchiveConfig{Type: "s3"}, wantErr: true},
		{name: "minio without endpoint", cfg: config.ArchiveConfig{Type: "minio", Bucket: "b"}, wantErr: true},
		{name: "minio", cfg: config.ArchiveConfig{Type: "minio", Bucket: "b", Endpoint: "localhost:9000"}},
		{name: "memory with age", cfg: config.ArchiveConfig{Type: "memory", AgeRecipient: identity.Recipient().String()}},
		{name: "bad age recipient", cfg: config.ArchiveConfig{Type: "memory", AgeRecipient: "bogus"}, wantErr: true},
		{name: "unknown", cfg: config.ArchiveConfig{Type: "ftp"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := archive.NewArchiveFromConfig(context.Background(), tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewArchiveFromConfig() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				if a != nil {
					t.Error("archive returned with error")
				}
				return
			}
			if (a == nil) != tt.wantNil {
				t.Errorf("archive nil = %v, want %v", a == nil, tt.wantNil)
			}
		})
	}

	t.Run("age wraps memory", func(t *testing.T) {
		a, err := archive.NewArchiveFromConfig(context.Background(), config.ArchiveConfig{Type: "memory", AgeRecipient: identity.Recipient().String()})
		if err != nil {
			t.Fatal(err)
		}
		if _, ok := a.(*archive.AgeArchive); !ok {
			t.Errorf("archive type = %T, want *archive.AgeArchive", a)
		}
	})
}
