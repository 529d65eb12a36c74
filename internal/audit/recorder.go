package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/quartermaster/quartermaster/internal/crypto"
	"github.com/quartermaster/quartermaster/internal/safego"
)

// Recorder is the façade the credential services emit audit events through.
// It is nil-safe — a nil Recorder (auditing disabled) swallows every event —
// so services never branch on whether auditing is configured.
//
// Shipping happens on a background goroutine: an unreachable webhook or a full
// disk must not add latency to, or fail, the credential operation being
// audited.
type Recorder struct {
	shipper Shipper
	cipher  *crypto.TokenCipher
}

// NewRecorder creates a Recorder over the given shipper. cipher may be nil;
// when set, entry metadata is sealed before shipping and the plaintext map is
// dropped from the entry.
func NewRecorder(shipper Shipper, cipher *crypto.TokenCipher) *Recorder {
	return &Recorder{shipper: shipper, cipher: cipher}
}

// Record builds a LogEntry and ships it asynchronously. The entry timestamp
// is taken here, not at ship time, so queueing delay never skews the record.
func (r *Recorder) Record(action string, ownerID int64, credentialType, credentialID string, metadata map[string]interface{}) {
	if r == nil || r.shipper == nil {
		return
	}

	entry := &LogEntry{
		Timestamp:      time.Now().UTC(),
		Action:         action,
		OwnerID:        ownerID,
		CredentialType: credentialType,
		CredentialID:   credentialID,
		Metadata:       metadata,
	}

	if r.cipher != nil && len(metadata) != 0 {
		sealed, err := r.sealMetadata(metadata)
		if err != nil {
			slog.Warn("failed to encrypt audit metadata, dropping it", "action", action, "error", err)
		} else {
			entry.EncryptedMetadata = sealed
		}
		entry.Metadata = nil
	}

	safego.Go(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := r.shipper.Ship(ctx, entry); err != nil {
			slog.Warn("failed to ship audit entry", "action", action, "error", err)
		}
	})
}

// Close releases the underlying shipper resources.
func (r *Recorder) Close() error {
	if r == nil || r.shipper == nil {
		return nil
	}
	return r.shipper.Close()
}

func (r *Recorder) sealMetadata(metadata map[string]interface{}) (string, error) {
	raw, err := json.Marshal(metadata)
	if err != nil {
		return "", err
	}
	return r.cipher.Seal(string(raw))
}
