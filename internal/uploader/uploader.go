package uploader

import (
	"context"
	"errors"
)

// The pinning service accepted the request but returned no content identifier.
var ErrNoContentID = errors.New("uploader: no content identifier returned")

// Uploader abstracts the content-addressable store. Both calls return a
// fetchable URI for the pinned content.
type Uploader interface {
	Upload(ctx context.Context, data []byte, contentType, filename string) (string, error)
	UploadJSON(ctx context.Context, doc any) (string, error)
}
