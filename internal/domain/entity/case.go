// Package entity 定义领域实体
package entity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// Case 试模问题案例：一个零件/模具组合的排故记录，包含一个或多个 Issue
type Case struct {
	CaseID      string    `json:"case_id" gorm:"primaryKey;type:varchar(128)"`
	PartNumber  string    `json:"part_number" gorm:"type:varchar(64);index;not null"`
	MoldType    string    `json:"mold_type,omitempty" gorm:"type:varchar(64)"`
	Material    string    `json:"material,omitempty" gorm:"type:varchar(64)"`
	Color       string    `json:"color,omitempty" gorm:"type:varchar(32)"`
	TotalIssues int       `json:"total_issues" gorm:"default:0"`
	SourceFile  string    `json:"source_file,omitempty" gorm:"type:varchar(512);index"`
	TextSummary string    `json:"text_summary,omitempty" gorm:"type:text"`
	ContentHash string    `json:"content_hash,omitempty" gorm:"type:varchar(64)"`
	Issues      []*Issue  `json:"issues,omitempty" gorm:"foreignKey:CaseID;references:CaseID"`
	CreatedAt   time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt   time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}

// TableName 指定表名
func (Case) TableName() string {
	return "cases"
}

// NewCaseID 由零件号与内部跟踪号生成稳定的案例标识
func NewCaseID(trackingNumber, partNumber string) string {
	return fmt.Sprintf("TS-%s-%s",
		strings.TrimSpace(trackingNumber), strings.TrimSpace(partNumber))
}

// Validate 校验案例一致性约束
func (c *Case) Validate() error {
	if strings.TrimSpace(c.CaseID) == "" {
		return fmt.Errorf("case_id is required")
	}
	if strings.TrimSpace(c.PartNumber) == "" {
		return fmt.Errorf("part_number is required")
	}
	if c.TotalIssues != len(c.Issues) {
		return fmt.Errorf("total_issues mismatch: declared %d, got %d", c.TotalIssues, len(c.Issues))
	}
	seen := make(map[int]bool, len(c.Issues))
	for _, is := range c.Issues {
		if is == nil {
			continue
		}
		if seen[is.IssueNumber] {
			return fmt.Errorf("duplicate issue_number %d in case %s", is.IssueNumber, c.CaseID)
		}
		seen[is.IssueNumber] = true
	}
	return nil
}

// ComputeContentHash 计算案例内容哈希，用于重复入库的短路判断
func ComputeContentHash(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
