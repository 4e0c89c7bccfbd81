// Package audit provides PDR (Process Decision Record) writing for leasepool.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/fentz26/leasepool/internal/models"
)

// Writer persists decision records.
type Writer interface {
	WritePDR(action, inputsHash, outcome, details string) (*models.PDREntry, error)
}

// PDRWriter writes Process Decision Records for audit trails. It satisfies
// the pool's Auditor interface.
type PDRWriter struct {
	store Writer
}

// NewPDRWriter creates a new PDR writer.
func NewPDRWriter(s Writer) *PDRWriter {
	return &PDRWriter{store: s}
}

// Record writes a PDR entry for a pool decision.
func (w *PDRWriter) Record(action string, inputs any, outcome, details string) error {
	_, err := w.store.WritePDR(action, hashInputs(inputs), outcome, details)
	return err
}

// hashInputs creates a SHA256 hash of the inputs for reproducibility.
func hashInputs(inputs any) string {
	data, err := json.Marshal(inputs)
	if err != nil {
		return "hash_error"
	}
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}
