// Package entity 定义领域实体
package entity

import (
	"fmt"
	"strings"
	"time"
)

// Image 问题的缺陷照片引用，仅保存可解析的 URL，不落二进制
type Image struct {
	ImageID       string    `json:"image_id" gorm:"primaryKey;type:varchar(256)"`
	IssueID       string    `json:"issue_id" gorm:"type:varchar(160);index;not null"`
	Ordinal       int       `json:"ordinal" gorm:"default:0"`
	ImageURL      string    `json:"image_url" gorm:"type:varchar(1024);not null"`
	Description   string    `json:"description,omitempty" gorm:"type:text"`
	DefectType    string    `json:"defect_type,omitempty" gorm:"type:varchar(64)"`
	VLDescription string    `json:"vl_description,omitempty" gorm:"type:text"`
	TextInImage   string    `json:"text_in_image,omitempty" gorm:"type:text"`
	EquipmentPart string    `json:"equipment_part,omitempty" gorm:"type:varchar(128)"`
	CreatedAt     time.Time `json:"created_at" gorm:"autoCreateTime"`
}

// TableName 指定表名
func (Image) TableName() string {
	return "images"
}

// NewImageID 源记录未携带 image_id 时按序号确定性生成
func NewImageID(issueID string, ordinal int) string {
	return fmt.Sprintf("%s-img-%d", issueID, ordinal)
}

// Validate 校验图片引用
func (m *Image) Validate() error {
	if strings.TrimSpace(m.IssueID) == "" {
		return fmt.Errorf("issue_id is required")
	}
	if strings.TrimSpace(m.ImageURL) == "" {
		return fmt.Errorf("image_url is required")
	}
	return nil
}
