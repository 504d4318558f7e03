package models

import (
	"encoding/base64"
	"fmt"
)

// Chat represents a conversation container in the chat system. It provides basic identification and
// labeling capabilities for organizing message threads.
type Chat struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// StoredImage is the document written to the image collection once an inline image payload has been
// fully received. The binary data stays base64 encoded, the way the provider delivered it.
type StoredImage struct {
	ID       string `json:"id"`
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"`
}

// Bytes decodes the stored payload.
func (s StoredImage) Bytes() ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image %s: %w", s.ID, err)
	}
	return b, nil
}
