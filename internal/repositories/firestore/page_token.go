package firestore

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

func normalisePageSize(size int) int {
	if size <= 0 {
		return defaultPageSize
	}
	if size > maxPageSize {
		return maxPageSize
	}
	return size
}

// pageToken is the opaque cursor handed to clients. Value holds the sort
// field of the last document as a string; the repository that issued the
// token knows which typed accessor to use when resuming.
type pageToken struct {
	ID    string `json:"id"`
	Value string `json:"v"`
}

func (t pageToken) timeValue() (time.Time, error) {
	parsed, err := time.Parse(time.RFC3339Nano, t.Value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse page token timestamp: %w", err)
	}
	return parsed, nil
}

func (t pageToken) floatValue() (float64, error) {
	parsed, err := strconv.ParseFloat(t.Value, 64)
	if err != nil {
		return 0, fmt.Errorf("parse page token number: %w", err)
	}
	return parsed, nil
}

func (t pageToken) intValue() (int64, error) {
	parsed, err := strconv.ParseInt(t.Value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse page token integer: %w", err)
	}
	return parsed, nil
}

func encodePageToken(token pageToken) (string, error) {
	buf := &bytes.Buffer{}
	enc := json.NewEncoder(buf)
	if err := enc.Encode(token); err != nil {
		return "", fmt.Errorf("encode page token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(bytes.TrimSpace(buf.Bytes())), nil
}

func decodePageToken(encoded string) (*pageToken, error) {
	data, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode page token: %w", err)
	}
	var token pageToken
	if err := json.Unmarshal(data, &token); err != nil {
		return nil, fmt.Errorf("decode page token json: %w", err)
	}
	return &token, nil
}
