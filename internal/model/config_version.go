package model

import (
	"time"
)

// MatrixConfigVersion is an immutable, validated matrix configuration.
// Writes always add a new version.
type MatrixConfigVersion struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	MatrixID  string    `gorm:"type:varchar(64);uniqueIndex:uk_matrix_version,priority:1;not null" json:"matrix_id"`
	Version   int       `gorm:"uniqueIndex:uk_matrix_version,priority:2;not null" json:"version"`
	Payload   string    `gorm:"type:text;not null" json:"payload"`
	CreatedBy string    `gorm:"type:varchar(64)" json:"created_by"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (MatrixConfigVersion) TableName() string {
	return "matrix_config_version"
}

// CareerPlanVersion is an immutable, validated list of PIN tiers.
type CareerPlanVersion struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	Version   int       `gorm:"uniqueIndex;not null" json:"version"`
	Payload   string    `gorm:"type:text;not null" json:"payload"`
	CreatedBy string    `gorm:"type:varchar(64)" json:"created_by"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (CareerPlanVersion) TableName() string {
	return "career_plan_version"
}
