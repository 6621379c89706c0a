package catalog

import (
	"context"
	"io"
)

// Archive stores exported catalog snapshots outside the primary store.
type Archive interface {
	// PutSnapshot stores the encoded snapshot under name.
	// size is the number of bytes that will be read from r.
	PutSnapshot(ctx context.Context, name string, r io.Reader, size int64) error
}
