package auditsink

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"guildmirror/pkg/model"
)

// DeriveKey produces the idempotency key for a change record so that
// at-least-once redelivery never duplicates audit rows. When the upstream
// sequence hint is present the key is sequence-derived; otherwise it is
// content-derived from the canonical delta encoding.
func DeriveKey(rec model.ChangeRecord) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s|", rec.Key.Tenant, rec.Key.Kind, rec.Key.ID, rec.Kind)
	if rec.SequenceHint != model.SeqNone {
		fmt.Fprintf(h, "seq:%d", rec.SequenceHint)
	} else {
		// json.Marshal sorts map keys, so equal deltas hash equally.
		payload, _ := json.Marshal(rec.Delta)
		h.Write(payload)
	}
	return hex.EncodeToString(h.Sum(nil))
}
