package domain

import "time"

// JoinType is the join shape of a catalog entry or custom join.
type JoinType string

const (
	JoinInner     JoinType = "inner"
	JoinLeft      JoinType = "left"
	JoinRight     JoinType = "right"
	JoinFull      JoinType = "full"
	JoinInnerLeft JoinType = "inner_left"
	JoinNone      JoinType = "none"
)

// JoinRequest is a caller-composed join over CFDI and its relations.
type JoinRequest struct {
	LeftTable  string            `json:"left_table"`
	RightTable string            `json:"right_table"`
	JoinType   JoinType          `json:"join_type"`
	On         map[string]string `json:"on"`
	Sources    []string          `json:"sources"`
	Filter     *Filter           `json:"-"`
}

// SetOperation is union or intersection.
type SetOperation string

const (
	SetUnion        SetOperation = "union"
	SetIntersection SetOperation = "intersection"
)

// MaxSetSources caps the number of sources of one set operation.
const MaxSetSources = 10

// SetSource is one independently filtered input of a set operation.
type SetSource struct {
	Table  TableType
	Filter *Filter
}

// SetOperationRequest combines record sets by record identity.
type SetOperationRequest struct {
	Operation SetOperation
	Sources   []SetSource
}

// SourceDetail is the provenance of one set-operation source.
type SourceDetail struct {
	SourceIndex    int     `json:"source_index"`
	Table          string  `json:"table"`
	RecordCount    int64   `json:"record_count"`
	TotalPages     int     `json:"total_pages"`
	FiltersApplied *Filter `json:"filters_applied,omitempty"`
	Error          string  `json:"error,omitempty"`
}

// SetOperationMetadata describes a combined result.
type SetOperationMetadata struct {
	TotalCount         int            `json:"total_count"`
	Operation          SetOperation   `json:"operation"`
	SourcesProcessed   int            `json:"sources_processed"`
	SourceDetails      []SourceDetail `json:"source_details"`
	ExecutionTimestamp time.Time      `json:"execution_timestamp"`
	Page               int            `json:"page"`
	PageSize           int            `json:"page_size"`
	TotalPages         int            `json:"total_pages"`
}

// SetOperationResult is one page of a combined result.
type SetOperationResult struct {
	Items    []Row                `json:"items"`
	Metadata SetOperationMetadata `json:"metadata"`
}

// Page is one page of flattened rows.
type Page struct {
	Items      []Row `json:"items"`
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	TotalPages int   `json:"total_pages"`
	TotalCount int64 `json:"total_count"`
}
