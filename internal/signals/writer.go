// SPDX-License-Identifier: MIT

package signals

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/renameio/v2"
)

// WriteFile publishes a record to the activity file using write-temp plus
// atomic rename, so readers never observe a torn record.
func WriteFile(path string, rec Record) error {
	wire := wireRecord{
		TS:          ptr(rec.TS.Format(time.RFC3339Nano)),
		IdleSeconds: ptr(rec.IdleSeconds),
		UserActive:  ptr(rec.UserActive),
		QueryIntent: rec.QueryIntent,
		Source:      rec.Source,
		Seq:         rec.Seq,
	}
	data, err := json.Marshal(wire)
	if err != nil {
		return fmt.Errorf("marshal activity record: %w", err)
	}
	if err := renameio.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write activity file: %w", err)
	}
	return nil
}

func ptr[T any](v T) *T { return &v }
