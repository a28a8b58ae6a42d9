package model

import (
	"time"
)

// CareerCounter holds the cycles a consultant accumulated through one
// frontline (LineID is the direct downline the cycles came through, or the
// consultant itself for personal cycles) in one period.
type CareerCounter struct {
	ID           int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	ConsultantID int64     `gorm:"uniqueIndex:uk_career_counter,priority:1;not null" json:"consultant_id"`
	Period       string    `gorm:"type:varchar(16);uniqueIndex:uk_career_counter,priority:2;not null" json:"period"`
	LineID       int64     `gorm:"uniqueIndex:uk_career_counter,priority:3;not null" json:"line_id"`
	Cycles       int64     `gorm:"not null;default:0" json:"cycles"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (CareerCounter) TableName() string {
	return "career_counter"
}

// RankPromotion is the record of a rank reached once. The unique key makes
// every PIN reward payable at most once per consultant.
type RankPromotion struct {
	ID           int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	ConsultantID int64     `gorm:"uniqueIndex:uk_rank_promotion,priority:1;not null" json:"consultant_id"`
	Rank         int       `gorm:"column:career_rank;uniqueIndex:uk_rank_promotion,priority:2;not null" json:"rank"`
	RankName     string    `gorm:"type:varchar(64)" json:"rank_name"`
	Period       string    `gorm:"type:varchar(16);not null" json:"period"`
	Reward       int64     `gorm:"not null;default:0" json:"reward"`
	RefID        string    `gorm:"type:varchar(96);not null" json:"ref_id"`
	PlanVersion  int       `gorm:"not null" json:"plan_version"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (RankPromotion) TableName() string {
	return "rank_promotion"
}
