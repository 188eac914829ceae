// Package milvus 提供 Milvus 向量数据库访问层实现
package milvus

import (
	"strconv"

	"github.com/milvus-io/milvus-sdk-go/v2/entity"
)

const (
	// CollectionCaseIndex 案例级索引集合（粗粒度，一条案例一个向量）
	CollectionCaseIndex = "case_index"
	// CollectionIssueIndex 问题级索引集合（细粒度，一条问题一个向量）
	CollectionIssueIndex = "issue_index"

	// DefaultVectorDimension 默认向量维度
	DefaultVectorDimension = 1024
)

// CaseIndexSchema 案例索引 Collection Schema
func CaseIndexSchema(dim int) *entity.Schema {
	return &entity.Schema{
		CollectionName: CollectionCaseIndex,
		Description:    "Case-level embeddings for coarse-grained semantic search",
		Fields: []*entity.Field{
			{
				Name:       "id",
				DataType:   entity.FieldTypeVarChar,
				PrimaryKey: true,
				AutoID:     false,
				TypeParams: map[string]string{
					"max_length": "128",
				},
			},
			{
				Name:     "vector",
				DataType: entity.FieldTypeFloatVector,
				TypeParams: map[string]string{
					"dim": strconv.Itoa(dim),
				},
			},
			{
				Name:     "part_number",
				DataType: entity.FieldTypeVarChar,
				TypeParams: map[string]string{
					"max_length": "64",
				},
			},
			{
				Name:     "mold_type",
				DataType: entity.FieldTypeVarChar,
				TypeParams: map[string]string{
					"max_length": "64",
				},
			},
			{
				Name:     "updated_at",
				DataType: entity.FieldTypeInt64,
			},
			{
				Name:     "text_content",
				DataType: entity.FieldTypeVarChar,
				TypeParams: map[string]string{
					"max_length": "65535",
				},
			},
		},
	}
}

// IssueIndexSchema 问题索引 Collection Schema
func IssueIndexSchema(dim int) *entity.Schema {
	return &entity.Schema{
		CollectionName: CollectionIssueIndex,
		Description:    "Issue-level embeddings for fine-grained semantic search",
		Fields: []*entity.Field{
			{
				Name:       "id",
				DataType:   entity.FieldTypeVarChar,
				PrimaryKey: true,
				AutoID:     false,
				TypeParams: map[string]string{
					"max_length": "160",
				},
			},
			{
				Name:     "vector",
				DataType: entity.FieldTypeFloatVector,
				TypeParams: map[string]string{
					"dim": strconv.Itoa(dim),
				},
			},
			{
				Name:     "case_id",
				DataType: entity.FieldTypeVarChar,
				TypeParams: map[string]string{
					"max_length": "128",
				},
			},
			{
				Name:     "part_number",
				DataType: entity.FieldTypeVarChar,
				TypeParams: map[string]string{
					"max_length": "64",
				},
			},
			{
				Name:     "category",
				DataType: entity.FieldTypeVarChar,
				TypeParams: map[string]string{
					"max_length": "64",
				},
			},
			{
				Name:     "updated_at",
				DataType: entity.FieldTypeInt64,
			},
			{
				Name:     "text_content",
				DataType: entity.FieldTypeVarChar,
				TypeParams: map[string]string{
					"max_length": "65535",
				},
			},
		},
	}
}

// CaseVector 案例索引数据结构
type CaseVector struct {
	ID          string    `json:"id"`
	Vector      []float32 `json:"vector"`
	PartNumber  string    `json:"part_number"`
	MoldType    string    `json:"mold_type"`
	UpdatedAt   int64     `json:"updated_at"`
	TextContent string    `json:"text_content"`
}

// IssueVector 问题索引数据结构
type IssueVector struct {
	ID          string    `json:"id"`
	Vector      []float32 `json:"vector"`
	CaseID      string    `json:"case_id"`
	PartNumber  string    `json:"part_number"`
	Category    string    `json:"category"`
	UpdatedAt   int64     `json:"updated_at"`
	TextContent string    `json:"text_content"`
}
