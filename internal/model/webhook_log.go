package model

import "time"

// WebhookLog 网关回调原文，先落库再处理，便于审计和重放
type WebhookLog struct {
	ID                int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	Payload           string    `gorm:"type:text;not null" json:"payload"`
	ExternalReference string    `gorm:"type:varchar(128);index" json:"external_reference,omitempty"`
	ReportedStatus    string    `gorm:"type:varchar(32)" json:"reported_status,omitempty"`
	CreatedAt         time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}

func (WebhookLog) TableName() string {
	return "webhook_log"
}
