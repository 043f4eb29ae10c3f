package audit

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/datatypes"
)

// Log is one immutable audit entry. Entries of an application form a hash
// chain ordered by Sequence.
type Log struct {
	ID            string         `gorm:"column:id;primaryKey"`
	ApplicationID string         `gorm:"column:application_id;not null;uniqueIndex:idx_audit_app_seq,priority:1"`
	KeyID         *string        `gorm:"column:key_id;index"`
	Sequence      int64          `gorm:"column:sequence;not null;uniqueIndex:idx_audit_app_seq,priority:2"`
	EventType     Event          `gorm:"column:event_type;not null;index"`
	Message       string         `gorm:"column:message"`
	Metadata      datatypes.JSON `gorm:"column:metadata"`
	Timestamp     time.Time      `gorm:"column:timestamp;not null"`
	PreviousHash  string         `gorm:"column:previous_hash"`
	Hash          string         `gorm:"column:hash;not null"`
}

func (Log) TableName() string {
	return "audit_logs"
}

// ChainHead tracks the tip of an application's chain. Its row is what appends
// lock to serialize.
type ChainHead struct {
	ApplicationID string    `gorm:"column:application_id;primaryKey"`
	Sequence      int64     `gorm:"column:sequence;not null;default:0"`
	Hash          string    `gorm:"column:hash"`
	UpdatedAt     time.Time `gorm:"column:updated_at"`
}

func (ChainHead) TableName() string {
	return "audit_chain_heads"
}

// Entry is what callers hand to Append.
type Entry struct {
	ApplicationID string
	KeyID         string
	Event         Event
	Message       string
	Metadata      map[string]string
}

func (m *Log) HashFields() map[string]string {
	keyID := ""
	if m.KeyID != nil {
		keyID = *m.KeyID
	}
	return map[string]string{
		"id":             m.ID,
		"application_id": m.ApplicationID,
		"key_id":         keyID,
		"sequence":       fmt.Sprintf("%d", m.Sequence),
		"event_type":     fmt.Sprintf("%d", int(m.EventType)),
		"message":        m.Message,
		"metadata":       canonicalJSON(m.Metadata),
		"timestamp":      m.Timestamp.UTC().Format(time.RFC3339Nano),
		"previous_hash":  m.PreviousHash,
	}
}

// canonicalJSON re-encodes raw so storage engines that normalise JSON (jsonb)
// hash to the same value.
func canonicalJSON(raw datatypes.JSON) string {
	if len(bytes.TrimSpace(raw)) == 0 {
		return ""
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	out, err := json.Marshal(v)
	if err != nil {
		return string(raw)
	}
	return string(out)
}

// View is the admin API representation of a Log.
type View struct {
	ID            string            `json:"id"`
	ApplicationID string            `json:"application_id"`
	KeyID         *string           `json:"key_id,omitempty"`
	Sequence      int64             `json:"sequence"`
	Event         Event             `json:"event"`
	EventType     int               `json:"event_type"`
	Message       string            `json:"message"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	Timestamp     time.Time         `json:"timestamp"`
	Hash          string            `json:"hash"`
}

func (m *Log) View() *View {
	v := &View{
		ID:            m.ID,
		ApplicationID: m.ApplicationID,
		KeyID:         m.KeyID,
		Sequence:      m.Sequence,
		Event:         m.EventType,
		EventType:     int(m.EventType),
		Message:       m.Message,
		Timestamp:     m.Timestamp.UTC(),
		Hash:          m.Hash,
	}
	if len(m.Metadata) > 0 {
		_ = json.Unmarshal(m.Metadata, &v.Metadata)
	}
	return v
}
