package util

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// NewID returns a URL-safe hex string ID.
func NewID() string {
	b := make([]byte, 12)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// NewDocumentID mints a document id of the form doc_YYYYMMDDHHMMSS_<6 hex>.
func NewDocumentID(now time.Time) string {
	b := make([]byte, 3)
	_, _ = rand.Read(b)
	return fmt.Sprintf("doc_%s_%s", now.UTC().Format("20060102150405"), hex.EncodeToString(b))
}

// NewGroupID mints a duplicate group id.
func NewGroupID(now time.Time) string {
	return fmt.Sprintf("dup_group_%d", now.Unix())
}
