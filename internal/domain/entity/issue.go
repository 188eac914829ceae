// Package entity 定义领域实体
package entity

import (
	"fmt"
	"strings"
	"time"
)

// TrialVersion 试模轮次
type TrialVersion string

const (
	TrialT0 TrialVersion = "T0"
	TrialT1 TrialVersion = "T1"
	TrialT2 TrialVersion = "T2"
	TrialT3 TrialVersion = "T3"
)

// ValidTrialVersion 检查试模轮次取值
func ValidTrialVersion(v TrialVersion) bool {
	switch v {
	case TrialT0, TrialT1, TrialT2, TrialT3:
		return true
	}
	return false
}

// StringSlice 以 JSON 形式落库的字符串集合（defect_types 等，顺序无关）
type StringSlice []string

// Issue 案例中的一个问题/对策对，归属且仅归属一个 Case
type Issue struct {
	IssueID      string       `json:"issue_id" gorm:"primaryKey;type:varchar(160)"`
	CaseID       string       `json:"case_id" gorm:"type:varchar(128);index;not null"`
	IssueNumber  int          `json:"issue_number" gorm:"not null"`
	Problem      string       `json:"problem" gorm:"type:text;not null"`
	Solution     string       `json:"solution" gorm:"type:text;not null"`
	TrialVersion TrialVersion `json:"trial_version" gorm:"type:varchar(8)"`
	ResultT1     string       `json:"result_t1,omitempty" gorm:"type:text"`
	ResultT2     string       `json:"result_t2,omitempty" gorm:"type:text"`
	Category     string       `json:"category,omitempty" gorm:"type:varchar(64)"`
	DefectTypes  StringSlice  `json:"defect_types,omitempty" gorm:"type:jsonb;serializer:json"`
	HasImages    bool         `json:"has_images" gorm:"default:false"`
	ImageCount   int          `json:"image_count" gorm:"default:0"`
	Images       []*Image     `json:"images,omitempty" gorm:"foreignKey:IssueID;references:IssueID"`
	CreatedAt    time.Time    `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt    time.Time    `json:"updated_at" gorm:"autoUpdateTime"`
}

// TableName 指定表名
func (Issue) TableName() string {
	return "issues"
}

// NewIssueID 生成 issue 标识：{case_id}-{issue_number}
func NewIssueID(caseID string, issueNumber int) string {
	return fmt.Sprintf("%s-%d", caseID, issueNumber)
}

// SyncImageCounters 按当前 images 重算派生字段
func (i *Issue) SyncImageCounters() {
	i.ImageCount = len(i.Images)
	i.HasImages = i.ImageCount > 0
}

// EmbeddingText 问题级向量的输入文本：problem + solution + category
func (i *Issue) EmbeddingText() string {
	parts := make([]string, 0, 3)
	if p := strings.TrimSpace(i.Problem); p != "" {
		parts = append(parts, "问题："+p)
	}
	if s := strings.TrimSpace(i.Solution); s != "" {
		parts = append(parts, "对策："+s)
	}
	if c := strings.TrimSpace(i.Category); c != "" {
		parts = append(parts, "类别："+c)
	}
	return strings.Join(parts, "\n")
}

// Validate 校验问题行的必填字段与取值
func (i *Issue) Validate() error {
	if strings.TrimSpace(i.CaseID) == "" {
		return fmt.Errorf("case_id is required")
	}
	if i.IssueNumber <= 0 {
		return fmt.Errorf("issue_number must be positive")
	}
	if strings.TrimSpace(i.Problem) == "" {
		return fmt.Errorf("problem is required")
	}
	if strings.TrimSpace(i.Solution) == "" {
		return fmt.Errorf("solution is required")
	}
	if i.TrialVersion != "" && !ValidTrialVersion(i.TrialVersion) {
		return fmt.Errorf("invalid trial_version: %s", i.TrialVersion)
	}
	if i.ImageCount != len(i.Images) {
		return fmt.Errorf("image_count mismatch: declared %d, got %d", i.ImageCount, len(i.Images))
	}
	if i.HasImages != (len(i.Images) > 0) {
		return fmt.Errorf("has_images inconsistent with images")
	}
	return nil
}
