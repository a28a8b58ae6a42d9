package model

import (
	"time"
)

// Consultant is a node of the sponsorship forest. SponsorID is the single
// outgoing edge; roots have none.
type Consultant struct {
	ID        int64     `gorm:"primaryKey;autoIncrement:false" json:"id"`
	Name      string    `gorm:"type:varchar(128);not null" json:"name"`
	SponsorID *int64    `gorm:"index" json:"sponsor_id,omitempty"`
	CPF       string    `gorm:"type:varchar(20)" json:"cpf"`
	Email     string    `gorm:"type:varchar(128)" json:"email"`
	Phone     string    `gorm:"type:varchar(32)" json:"phone"`
	Rank      int       `gorm:"column:career_rank;not null;default:0" json:"rank"`
	Active    bool      `gorm:"not null" json:"active"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Consultant) TableName() string {
	return "consultant"
}

// ConsumptionRecord is the qualifying personal consumption of a consultant
// in one monthly period.
type ConsumptionRecord struct {
	ID           int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	ConsultantID int64     `gorm:"uniqueIndex:uk_consumption,priority:1;not null" json:"consultant_id"`
	Period       string    `gorm:"type:varchar(16);uniqueIndex:uk_consumption,priority:2;not null" json:"period"`
	Amount       int64     `gorm:"not null;default:0" json:"amount"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (ConsumptionRecord) TableName() string {
	return "consumption_record"
}
