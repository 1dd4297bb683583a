package domain

import (
	"context"
	"strings"
)

// ReportFormat is an output format tag.
type ReportFormat string

const (
	FormatJSON        ReportFormat = "json"
	FormatXML         ReportFormat = "xml"
	FormatCSV         ReportFormat = "csv"
	FormatSpreadsheet ReportFormat = "excel"
	FormatPDF         ReportFormat = "pdf"
)

// ParseReportFormat normalizes a format tag. Empty means JSON.
func ParseReportFormat(s string) (ReportFormat, error) {
	switch f := ReportFormat(strings.ToLower(strings.TrimSpace(s))); f {
	case "":
		return FormatJSON, nil
	case "spreadsheet", "xlsx":
		return FormatSpreadsheet, nil
	case FormatJSON, FormatXML, FormatCSV, FormatSpreadsheet, FormatPDF:
		return f, nil
	default:
		return "", NewValidationError("format must be json, xml, csv, excel, or pdf")
	}
}

// ReportOptions are the caller's output preferences.
type ReportOptions struct {
	Format      ReportFormat
	SaveReport  bool
	Name        string
	Description string
}

// ReportInput is handed to the report serializer.
type ReportInput struct {
	Data           any
	Format         ReportFormat
	Owner          string
	SourceRecordID *int64
	Persist        bool
	Name           string
	Description    string
	Filters        *Filter
	Operation      string
}

// ReportOutput is the serialized result.
type ReportOutput struct {
	Content     []byte
	ContentType string
	ReportID    string
}

// ReportSerializer turns analysis results into report content, optionally
// persisting them.
type ReportSerializer interface {
	Serialize(ctx context.Context, in ReportInput) (*ReportOutput, error)
}

// StorageConfig configures the S3-compatible report archive.
type StorageConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Endpoint  string `yaml:"endpoint"`
	Region    string `yaml:"region"`
	Bucket    string `yaml:"bucket"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	PathStyle bool   `yaml:"path_style"`
}
