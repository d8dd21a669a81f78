package uploader

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"
)

// PinataClient pins content through a Pinata-compatible API. Endpoints are
// tried in order; a later endpoint is the fallback for the one before it.
type PinataClient struct {
	endpoints []string
	jwt       string
	gateway   string
	http      *http.Client
}

type PinataConfig struct {
	Endpoints []string
	JWT       string
	Gateway   string
	Timeout   time.Duration
}

func NewPinataClient(cfg PinataConfig) (*PinataClient, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("at least one pinning endpoint is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	gateway := cfg.Gateway
	if !strings.HasSuffix(gateway, "/") {
		gateway += "/"
	}
	return &PinataClient{
		endpoints: cfg.Endpoints,
		jwt:       cfg.JWT,
		gateway:   gateway,
		http:      &http.Client{Timeout: timeout},
	}, nil
}

type pinResponse struct {
	IpfsHash string `json:"IpfsHash"`
}

func (c *PinataClient) UploadJSON(ctx context.Context, doc any) (string, error) {
	body, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("marshal document: %w", err)
	}
	cid, err := c.pin(ctx, "/pinning/pinJSONToIPFS", "application/json", body)
	if err != nil {
		return "", err
	}
	return c.gateway + cid, nil
}

func (c *PinataClient) Upload(ctx context.Context, data []byte, contentType, filename string) (string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filename))
	header.Set("Content-Type", contentType)
	part, err := writer.CreatePart(header)
	if err != nil {
		return "", fmt.Errorf("create multipart: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("write multipart: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("close multipart: %w", err)
	}

	cid, err := c.pin(ctx, "/pinning/pinFileToIPFS", writer.FormDataContentType(), buf.Bytes())
	if err != nil {
		return "", err
	}
	return c.gateway + cid, nil
}

// pin posts the payload to each endpoint in turn until one returns a CID.
func (c *PinataClient) pin(ctx context.Context, path, contentType string, body []byte) (string, error) {
	var lastErr error
	for i, endpoint := range c.endpoints {
		if i > 0 {
			log.Printf("uploader: retrying against fallback endpoint %s", endpoint)
		}
		cid, err := c.pinOnce(ctx, strings.TrimSuffix(endpoint, "/")+path, contentType, body)
		if err == nil {
			return cid, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
	}
	return "", fmt.Errorf("pin content: %w", lastErr)
}

func (c *PinataClient) pinOnce(ctx context.Context, url, contentType string, body []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", contentType)
	if c.jwt != "" {
		req.Header.Set("Authorization", "Bearer "+c.jwt)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("pinning service returned %d: %s", resp.StatusCode, truncateBody(raw))
	}

	var parsed pinResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", fmt.Errorf("decode pin response: %w", err)
	}
	if parsed.IpfsHash == "" {
		return "", ErrNoContentID
	}
	return parsed.IpfsHash, nil
}

func truncateBody(raw []byte) string {
	const max = 200
	if len(raw) > max {
		return string(raw[:max]) + "..."
	}
	return string(raw)
}
