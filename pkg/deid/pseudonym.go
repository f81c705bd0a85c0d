package deid

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// Pseudonymizer derives a stable, non-reversible patient identifier from a
// source identifier and a per-dataset salt.
type Pseudonymizer interface {
	Pseudonymize(ctx context.Context, originalID, salt string) (string, error)
}

const pseudonymPrefix = "pt_"

// HMACPseudonymizer computes HMAC-SHA256(key, salt|id) locally.
type HMACPseudonymizer struct {
	key []byte
}

func NewHMACPseudonymizer(key string) (*HMACPseudonymizer, error) {
	if key == "" {
		return nil, errors.New("pseudonym key is required")
	}
	return &HMACPseudonymizer{key: []byte(key)}, nil
}

func (p *HMACPseudonymizer) Pseudonymize(ctx context.Context, originalID, salt string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, p.key)
	mac.Write([]byte(salt + "|" + originalID))
	return pseudonymPrefix + hex.EncodeToString(mac.Sum(nil))[:32], nil
}
