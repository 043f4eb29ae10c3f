package key

import (
	"fmt"
	"time"
)

// Unlimited is the remaining count of a key that never runs out.
const Unlimited = -1

type Key struct {
	ID               string     `gorm:"column:id;primaryKey"`
	ApplicationID    string     `gorm:"column:application_id;not null;uniqueIndex:idx_keys_app_token,priority:1"`
	Token            string     `gorm:"column:token;size:64;not null;uniqueIndex:idx_keys_app_token,priority:2;uniqueIndex:idx_keys_token"`
	Remaining        int        `gorm:"column:remaining;not null"`
	Enabled          bool       `gorm:"column:enabled;not null"`
	HardwareID       string     `gorm:"column:hardware_id"`
	Memo             string     `gorm:"column:memo"`
	CutDate          time.Time  `gorm:"column:cutdate;not null"`
	TotalActivations int64      `gorm:"column:total_activations;not null;default:0"`
	TotalChecks      int64      `gorm:"column:total_checks;not null;default:0"`
	LastActivationTS *time.Time `gorm:"column:last_activation_ts"`
	LastActivationIP string     `gorm:"column:last_activation_ip"`
	LastCheckTS      *time.Time `gorm:"column:last_check_ts"`
	LastCheckIP      string     `gorm:"column:last_check_ip"`
	CreatedAt        time.Time  `gorm:"column:created_at"`
	UpdatedAt        time.Time  `gorm:"column:updated_at"`
}

func (Key) TableName() string {
	return "keys"
}

type State int

const (
	StateDisabled State = iota
	StateUnlimited
	StateFinite
	StateExhausted
)

func (s State) String() string {
	switch s {
	case StateDisabled:
		return "disabled"
	case StateUnlimited:
		return "unlimited"
	case StateFinite:
		return "active"
	case StateExhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

func (m *Key) State() State {
	switch {
	case !m.Enabled:
		return StateDisabled
	case m.Remaining == Unlimited:
		return StateUnlimited
	case m.Remaining > 0:
		return StateFinite
	default:
		return StateExhausted
	}
}

func (m *Key) String() string {
	return fmt.Sprintf("Key(%s, app=%s, remaining=%d)", m.ID, m.ApplicationID, m.Remaining)
}

// Origin describes who is presenting a token. It lives for one request.
type Origin struct {
	IP         string
	Machine    string
	User       string
	HardwareID string
}

func (o Origin) String() string {
	return fmt.Sprintf("IP: %s, Machine: %s, User: %s", o.IP, o.Machine, o.User)
}

func (o Origin) Metadata() map[string]string {
	md := map[string]string{
		"ip":      o.IP,
		"machine": o.Machine,
		"user":    o.User,
	}
	if o.HardwareID != "" {
		md["hardware_id"] = o.HardwareID
	}
	return md
}

// Activation is the outcome of a successful activate.
type Activation struct {
	KeyID         string
	ApplicationID string
	Remaining     int
	Unlimited     bool
}

// View is the admin representation. The token is only ever returned by
// CutKey.
type View struct {
	ID               string     `json:"id"`
	ApplicationID    string     `json:"app_id"`
	State            string     `json:"state"`
	Remaining        int        `json:"remaining"`
	Enabled          bool       `json:"enabled"`
	HardwareID       string     `json:"hardware_id,omitempty"`
	Memo             string     `json:"memo"`
	CutDate          time.Time  `json:"cutdate"`
	TotalActivations int64      `json:"total_activations"`
	TotalChecks      int64      `json:"total_checks"`
	LastActivationTS *time.Time `json:"last_activation_ts,omitempty"`
	LastActivationIP string     `json:"last_activation_ip,omitempty"`
	LastCheckTS      *time.Time `json:"last_check_ts,omitempty"`
	LastCheckIP      string     `json:"last_check_ip,omitempty"`
}

func (m *Key) View() *View {
	return &View{
		ID:               m.ID,
		ApplicationID:    m.ApplicationID,
		State:            m.State().String(),
		Remaining:        m.Remaining,
		Enabled:          m.Enabled,
		HardwareID:       m.HardwareID,
		Memo:             m.Memo,
		CutDate:          m.CutDate,
		TotalActivations: m.TotalActivations,
		TotalChecks:      m.TotalChecks,
		LastActivationTS: m.LastActivationTS,
		LastActivationIP: m.LastActivationIP,
		LastCheckTS:      m.LastCheckTS,
		LastCheckIP:      m.LastCheckIP,
	}
}

type CutKeyParams struct {
	Activations   int    `json:"activations" form:"activations"`
	ApplicationID string `json:"app_id" form:"app_id" binding:"required"`
	Enabled       *bool  `json:"enabled" form:"enabled"`
	Memo          string `json:"memo" form:"memo"`
}

// KeyChanges lists the fields ModifyKey sets; nil fields are left alone.
type KeyChanges struct {
	Remaining     *int    `json:"remaining"`
	Memo          *string `json:"memo"`
	ApplicationID *string `json:"app_id"`
	Enabled       *bool   `json:"enabled"`
}
