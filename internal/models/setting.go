package models

import "time"

// Setting is a durable key/value pair written by pages and read by the agent.
type Setting struct {
	Key       string `gorm:"column:setting_key;primaryKey"`
	Value     string `gorm:"not null"`
	UpdatedAt time.Time
}

// TableName specifies the table name for Setting Model
func (Setting) TableName() string {
	return "settings"
}
