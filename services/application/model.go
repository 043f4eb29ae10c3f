package application

import "time"

type Application struct {
	ID             string    `gorm:"column:id;primaryKey"`
	Name           string    `gorm:"column:name;uniqueIndex;size:255;not null"`
	Slug           string    `gorm:"column:slug;uniqueIndex;size:255;not null"`
	SupportMessage *string   `gorm:"column:support_message"`
	CreatedAt      time.Time `gorm:"column:created_at"`
	UpdatedAt      time.Time `gorm:"column:updated_at"`
}

func (Application) TableName() string {
	return "applications"
}

type View struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Slug           string    `json:"slug"`
	SupportMessage string    `json:"support_message,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func (m *Application) View() *View {
	v := &View{
		ID:        m.ID,
		Name:      m.Name,
		Slug:      m.Slug,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
	if m.SupportMessage != nil {
		v.SupportMessage = *m.SupportMessage
	}
	return v
}

// CreateParams describes a new application.
type CreateParams struct {
	Name           string  `json:"name" form:"name" binding:"required"`
	SupportMessage *string `json:"support_message" form:"support_message"`
}

// Changes lists the fields an update sets; nil fields are left alone.
type Changes struct {
	Name           *string `json:"name"`
	SupportMessage *string `json:"support_message"`
}
