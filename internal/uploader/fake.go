package uploader

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// FakeUploader hashes the payload to deterministically emulate CIDs in tests.
type FakeUploader struct {
	Err       error
	JSONCalls int
	FileCalls int
}

func (f *FakeUploader) Upload(_ context.Context, data []byte, _, _ string) (string, error) {
	f.FileCalls++
	if f.Err != nil {
		return "", f.Err
	}
	return "ipfs://" + contentHash(data), nil
}

func (f *FakeUploader) UploadJSON(_ context.Context, doc any) (string, error) {
	f.JSONCalls++
	if f.Err != nil {
		return "", f.Err
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return "", err
	}
	return "ipfs://" + contentHash(raw), nil
}

func contentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
