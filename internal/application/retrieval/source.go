package retrieval

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"moldcase-kb-api/internal/domain/entity"
)

// SourceRecord 入库源记录：由上游抽取服务按约定结构产出，一份记录对应一个案例。
type SourceRecord struct {
	TrackingNumber string        `json:"tracking_number"`
	PartNumber     string        `json:"part_number"`
	MoldType       string        `json:"mold_type,omitempty"`
	Material       string        `json:"material,omitempty"`
	Color          string        `json:"color,omitempty"`
	SourceFile     string        `json:"source_file,omitempty"`
	TextSummary    string        `json:"text_summary,omitempty"`
	Issues         []SourceIssue `json:"issues"`
}

// SourceIssue 源记录中的一行问题
type SourceIssue struct {
	IssueNumber  int           `json:"issue_number"`
	Problem      string        `json:"problem"`
	Solution     string        `json:"solution"`
	TrialVersion string        `json:"trial_version,omitempty"`
	ResultT1     string        `json:"result_t1,omitempty"`
	ResultT2     string        `json:"result_t2,omitempty"`
	Category     string        `json:"category,omitempty"`
	DefectTypes  []string      `json:"defect_types,omitempty"`
	Images       []SourceImage `json:"images,omitempty"`
}

// SourceImage 源记录中的一张图片引用
type SourceImage struct {
	ImageID       string `json:"image_id,omitempty"`
	ImageURL      string `json:"image_url"`
	Description   string `json:"description,omitempty"`
	DefectType    string `json:"defect_type,omitempty"`
	VLDescription string `json:"vl_description,omitempty"`
	TextInImage   string `json:"text_in_image,omitempty"`
	EquipmentPart string `json:"equipment_part,omitempty"`
}

// RowError 单行解析失败记录。行级失败不中断整份记录的入库。
type RowError struct {
	IssueNumber int    `json:"issue_number"`
	Reason      string `json:"reason"`
}

func (e RowError) String() string {
	return fmt.Sprintf("issue %d: %s", e.IssueNumber, e.Reason)
}

// DecodeSourceRecord 解析原始字节为源记录
func DecodeSourceRecord(raw []byte) (*SourceRecord, error) {
	var rec SourceRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("malformed source record: %w", err)
	}
	return &rec, nil
}

// BuildCase 将源记录转换为领域实体。
// 行级失败（缺必填字段、重复编号、非法试模轮次）记入 rowErrors 并跳过，
// 其余行继续入库；记录级失败（缺 part/tracking）直接返回错误。
func BuildCase(rec *SourceRecord) (*entity.Case, []RowError, error) {
	if rec == nil {
		return nil, nil, fmt.Errorf("source record is nil")
	}
	tracking := strings.TrimSpace(rec.TrackingNumber)
	part := strings.TrimSpace(rec.PartNumber)
	if tracking == "" || part == "" {
		return nil, nil, fmt.Errorf("tracking_number and part_number are required")
	}

	caseID := entity.NewCaseID(tracking, part)
	c := &entity.Case{
		CaseID:      caseID,
		PartNumber:  part,
		MoldType:    strings.TrimSpace(rec.MoldType),
		Material:    strings.TrimSpace(rec.Material),
		Color:       strings.TrimSpace(rec.Color),
		SourceFile:  strings.TrimSpace(rec.SourceFile),
		TextSummary: strings.TrimSpace(rec.TextSummary),
	}

	var rowErrors []RowError
	seen := make(map[int]bool, len(rec.Issues))

	for _, row := range rec.Issues {
		issue, err := buildIssue(caseID, part, row)
		if err != nil {
			rowErrors = append(rowErrors, RowError{IssueNumber: row.IssueNumber, Reason: err.Error()})
			continue
		}
		if seen[issue.IssueNumber] {
			rowErrors = append(rowErrors, RowError{IssueNumber: row.IssueNumber, Reason: "duplicate issue_number"})
			continue
		}
		seen[issue.IssueNumber] = true
		c.Issues = append(c.Issues, issue)
	}

	sort.Slice(c.Issues, func(i, j int) bool {
		return c.Issues[i].IssueNumber < c.Issues[j].IssueNumber
	})
	c.TotalIssues = len(c.Issues)

	if c.TextSummary == "" {
		c.TextSummary = buildCaseSummary(c)
	}

	return c, rowErrors, nil
}

func buildIssue(caseID, partNumber string, row SourceIssue) (*entity.Issue, error) {
	if row.IssueNumber <= 0 {
		return nil, fmt.Errorf("issue_number must be positive")
	}
	if strings.TrimSpace(row.Problem) == "" {
		return nil, fmt.Errorf("problem is required")
	}
	if strings.TrimSpace(row.Solution) == "" {
		return nil, fmt.Errorf("solution is required")
	}
	tv := entity.TrialVersion(strings.ToUpper(strings.TrimSpace(row.TrialVersion)))
	if tv != "" && !entity.ValidTrialVersion(tv) {
		return nil, fmt.Errorf("invalid trial_version: %s", row.TrialVersion)
	}

	issueID := entity.NewIssueID(caseID, row.IssueNumber)
	issue := &entity.Issue{
		IssueID:      issueID,
		CaseID:       caseID,
		IssueNumber:  row.IssueNumber,
		Problem:      strings.TrimSpace(row.Problem),
		Solution:     strings.TrimSpace(row.Solution),
		TrialVersion: tv,
		ResultT1:     strings.TrimSpace(row.ResultT1),
		ResultT2:     strings.TrimSpace(row.ResultT2),
		Category:     strings.TrimSpace(row.Category),
		DefectTypes:  entity.StringSlice(row.DefectTypes),
	}

	for idx, img := range row.Images {
		url := strings.TrimSpace(img.ImageURL)
		if url == "" {
			// 无 URL 的图片引用无法解析，静默丢弃会掩盖上游缺陷，记为行内错误更重
			return nil, fmt.Errorf("image %d: image_url is required", idx+1)
		}
		imageID := strings.TrimSpace(img.ImageID)
		if imageID == "" {
			// 缺省时按所属 Issue 内序号确定性生成
			imageID = entity.NewImageID(issueID, idx+1)
		} else if !strings.HasPrefix(imageID, issueID+"-") {
			// 源记录里 image_id 只在所属 Issue 内唯一，
			// 入库主键需要全局唯一，统一加 issue_id 前缀
			imageID = issueID + "-" + imageID
		}
		issue.Images = append(issue.Images, &entity.Image{
			ImageID:       imageID,
			IssueID:       issueID,
			Ordinal:       idx + 1,
			ImageURL:      url,
			Description:   strings.TrimSpace(img.Description),
			DefectType:    strings.TrimSpace(img.DefectType),
			VLDescription: strings.TrimSpace(img.VLDescription),
			TextInImage:   strings.TrimSpace(img.TextInImage),
			EquipmentPart: strings.TrimSpace(img.EquipmentPart),
		})
	}
	issue.SyncImageCounters()

	return issue, nil
}

// buildCaseSummary 源记录缺省摘要时，由结构化字段拼一份案例级向量输入
func buildCaseSummary(c *entity.Case) string {
	var sb strings.Builder
	sb.WriteString("零件号：" + c.PartNumber)
	if c.MoldType != "" {
		sb.WriteString("，模具类型：" + c.MoldType)
	}
	if c.Material != "" {
		sb.WriteString("，材料：" + c.Material)
	}
	for _, is := range c.Issues {
		sb.WriteString("\n问题" + fmt.Sprintf("%d", is.IssueNumber) + "：" + is.Problem)
	}
	return sb.String()
}
