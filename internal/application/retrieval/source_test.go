package retrieval

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validSourceRecord() *SourceRecord {
	return &SourceRecord{
		TrackingNumber: "1947688",
		PartNumber:     "ED736A0501",
		MoldType:       "两板模",
		Material:       "PC+ABS",
		SourceFile:     "1947688_ED736A0501.xlsx",
		Issues: []SourceIssue{
			{
				IssueNumber:  2,
				Problem:      "浇口附近银纹",
				Solution:     "提高模温，降低注射速度",
				TrialVersion: "t1",
				DefectTypes:  []string{"银纹"},
				Images: []SourceImage{
					{ImageURL: "https://img.example.com/1.jpg", DefectType: "银纹"},
					{ImageID: "custom-img-id", ImageURL: "https://img.example.com/2.jpg"},
				},
			},
			{
				IssueNumber: 1,
				Problem:     "顶出变形",
				Solution:    "增加顶针数量",
			},
		},
	}
}

func TestDecodeSourceRecord(t *testing.T) {
	rec, err := DecodeSourceRecord([]byte(`{"tracking_number":"1947688","part_number":"ED736A0501","issues":[]}`))
	require.NoError(t, err)
	assert.Equal(t, "1947688", rec.TrackingNumber)

	_, err = DecodeSourceRecord([]byte(`{"tracking_number":`))
	assert.Error(t, err)
}

func TestBuildCase(t *testing.T) {
	c, rowErrs, err := BuildCase(validSourceRecord())
	require.NoError(t, err)
	assert.Empty(t, rowErrs)

	assert.Equal(t, "TS-1947688-ED736A0501", c.CaseID)
	assert.Equal(t, "ED736A0501", c.PartNumber)
	assert.Equal(t, 2, c.TotalIssues)
	require.Len(t, c.Issues, 2)

	// 问题按编号排序，标识派生自案例标识
	assert.Equal(t, 1, c.Issues[0].IssueNumber)
	assert.Equal(t, "TS-1947688-ED736A0501-1", c.Issues[0].IssueID)
	assert.Equal(t, "TS-1947688-ED736A0501-2", c.Issues[1].IssueID)

	// 试模轮次归一化为大写
	assert.Equal(t, "T1", string(c.Issues[1].TrialVersion))

	// 图片标识：缺省时按序号生成，显式给定时加 issue_id 前缀入库
	require.Len(t, c.Issues[1].Images, 2)
	assert.Equal(t, "TS-1947688-ED736A0501-2-img-1", c.Issues[1].Images[0].ImageID)
	assert.Equal(t, "TS-1947688-ED736A0501-2-custom-img-id", c.Issues[1].Images[1].ImageID)
	assert.True(t, c.Issues[1].HasImages)
	assert.Equal(t, 2, c.Issues[1].ImageCount)
	assert.False(t, c.Issues[0].HasImages)

	// 无显式摘要时由结构化字段拼装
	assert.Contains(t, c.TextSummary, "ED736A0501")
	assert.Contains(t, c.TextSummary, "顶出变形")

	require.NoError(t, c.Validate())
	for _, is := range c.Issues {
		require.NoError(t, is.Validate())
	}
}

func TestBuildCase_RecordLevelFailures(t *testing.T) {
	t.Run("nil record", func(t *testing.T) {
		_, _, err := BuildCase(nil)
		assert.Error(t, err)
	})

	t.Run("missing tracking number", func(t *testing.T) {
		rec := validSourceRecord()
		rec.TrackingNumber = "  "
		_, _, err := BuildCase(rec)
		assert.Error(t, err)
	})

	t.Run("missing part number", func(t *testing.T) {
		rec := validSourceRecord()
		rec.PartNumber = ""
		_, _, err := BuildCase(rec)
		assert.Error(t, err)
	})
}

func TestBuildCase_RowLevelFailuresDoNotAbort(t *testing.T) {
	rec := validSourceRecord()
	rec.Issues = append(rec.Issues,
		SourceIssue{IssueNumber: 3, Problem: "", Solution: "x"},                      // 缺 problem
		SourceIssue{IssueNumber: 4, Problem: "x", Solution: "y", TrialVersion: "T9"}, // 非法轮次
		SourceIssue{IssueNumber: 1, Problem: "重复", Solution: "重复"},                   // 编号重复
		SourceIssue{IssueNumber: 5, Problem: "x", Solution: "y",
			Images: []SourceImage{{ImageURL: "  "}}}, // 图片缺 URL
	)

	c, rowErrs, err := BuildCase(rec)
	require.NoError(t, err)

	assert.Len(t, rowErrs, 4)
	assert.Equal(t, 2, c.TotalIssues)
	require.Len(t, c.Issues, 2)

	reasons := make(map[int]string, len(rowErrs))
	for _, re := range rowErrs {
		reasons[re.IssueNumber] = re.Reason
	}
	assert.Contains(t, reasons[3], "problem")
	assert.Contains(t, reasons[4], "trial_version")
	assert.Contains(t, reasons[1], "duplicate")
	assert.Contains(t, reasons[5], "image_url")
}

func TestBuildCase_SameImageIDAcrossIssues(t *testing.T) {
	// 源记录的 image_id 只保证 Issue 内唯一，不同 Issue 可以重名
	rec := validSourceRecord()
	rec.Issues[0].Images = []SourceImage{
		{ImageID: "photo1", ImageURL: "https://img.example.com/a.jpg"},
	}
	rec.Issues[1].Images = []SourceImage{
		{ImageID: "photo1", ImageURL: "https://img.example.com/b.jpg"},
	}

	c, rowErrs, err := BuildCase(rec)
	require.NoError(t, err)
	assert.Empty(t, rowErrs)

	require.Len(t, c.Issues, 2)
	a := c.Issues[0].Images[0].ImageID
	b := c.Issues[1].Images[0].ImageID
	require.NotEqual(t, a, b)
	assert.Equal(t, "TS-1947688-ED736A0501-1-photo1", a)
	assert.Equal(t, "TS-1947688-ED736A0501-2-photo1", b)
}

func TestBuildCase_ExplicitSummaryWins(t *testing.T) {
	rec := validSourceRecord()
	rec.TextSummary = "  人工整理的案例摘要  "

	c, _, err := BuildCase(rec)
	require.NoError(t, err)
	assert.Equal(t, "人工整理的案例摘要", c.TextSummary)
}
