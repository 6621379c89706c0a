package archive

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"filippo.io/age"

	"tmlsync/internal/catalog"
)

// AgeSuffix is appended to the name of every encrypted snapshot.
const AgeSuffix = ".age"

// AgeArchive encrypts snapshots to an age X25519 recipient before handing
// them to the wrapped archive.
type AgeArchive struct {
	next      catalog.Archive
	recipient age.Recipient
}

// NewAgeArchive parses recipient ("age1...") and wraps next.
func NewAgeArchive(next catalog.Archive, recipient string) (*AgeArchive, error) {
	r, err := age.ParseX25519Recipient(strings.TrimSpace(recipient))
	if err != nil {
		return nil, fmt.Errorf("parsing age recipient: %w", err)
	}
	return &AgeArchive{next: next, recipient: r}, nil
}

// PutSnapshot encrypts r and stores it as name + AgeSuffix.
func (a *AgeArchive) PutSnapshot(ctx context.Context, name string, r io.Reader, size int64) error {
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, a.recipient)
	if err != nil {
		return fmt.Errorf("creating encrypted writer: %w", err)
	}
	written, err := io.Copy(w, r)
	if err != nil {
		return fmt.Errorf("encrypting snapshot: %w", err)
	}
	if written != size {
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", size, written)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finalizing encryption: %w", err)
	}

	return a.next.PutSnapshot(ctx, name+AgeSuffix, &buf, int64(buf.Len()))
}

// Decrypt reads an encrypted snapshot from r using identity and writes the
// plaintext to w.
func Decrypt(r io.Reader, w io.Writer, identity age.Identity) error {
	dec, err := age.Decrypt(r, identity)
	if err != nil {
		return fmt.Errorf("creating decrypted reader: %w", err)
	}
	if _, err := io.Copy(w, dec); err != nil {
		return fmt.Errorf("decrypting snapshot: %w", err)
	}
	return nil
}

var _ catalog.Archive = (*AgeArchive)(nil)
