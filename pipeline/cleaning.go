package pipeline

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"houseprice/ml"
)

// ErrMissingColumns is returned when the header lacks a model feature.
var ErrMissingColumns = errors.New("missing required columns")

// QualityIssue 行数据问题
type QualityIssue struct {
	SourceRow int    `json:"source_row"`
	Column    string `json:"column,omitempty"`
	Value     string `json:"value,omitempty"`
	Message   string `json:"message"`
}

// CleaningStats 清洗统计
type CleaningStats struct {
	TotalProcessed int            `json:"total_processed"`
	Passed         int            `json:"passed"`
	Rejected       int            `json:"rejected"`
	Issues         map[string]int `json:"issues"`
}

// RowCleaner 把表格行转换为模型特征向量
type RowCleaner struct {
	names   []string
	columns []int
	stats   CleaningStats
}

// NewRowCleaner 根据表头定位特征列，缺少任何特征列都会返回错误
func NewRowCleaner(header []string, names []string) (*RowCleaner, error) {
	index := make(map[string]int, len(header))
	for i, h := range header {
		if _, dup := index[h]; !dup {
			index[h] = i
		}
	}

	columns := make([]int, len(names))
	var missing []string
	for i, name := range names {
		col, ok := index[name]
		if !ok {
			missing = append(missing, name)
			continue
		}
		columns[i] = col
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingColumns, strings.Join(missing, ", "))
	}

	return &RowCleaner{
		names:   append([]string(nil), names...),
		columns: columns,
		stats:   CleaningStats{Issues: make(map[string]int)},
	}, nil
}

// Clean 解析一行；无法解析时返回问题描述
func (c *RowCleaner) Clean(sourceRow int, record []string) ([]float64, *QualityIssue) {
	c.stats.TotalProcessed++

	values := make([]float64, len(c.names))
	for i, name := range c.names {
		cell := ""
		if c.columns[i] < len(record) {
			cell = record[c.columns[i]]
		}
		v, err := parseCell(name, cell)
		if err != nil {
			c.stats.Rejected++
			c.stats.Issues[name]++
			return nil, &QualityIssue{SourceRow: sourceRow, Column: name, Value: cell, Message: err.Error()}
		}
		values[i] = v
	}
	c.stats.Passed++
	return values, nil
}

// Columns returns, per feature, the header index it was read from.
func (c *RowCleaner) Columns() []int {
	return append([]int(nil), c.columns...)
}

// Stats 返回清洗统计
func (c *RowCleaner) Stats() CleaningStats {
	out := c.stats
	out.Issues = make(map[string]int, len(c.stats.Issues))
	for k, v := range c.stats.Issues {
		out.Issues[k] = v
	}
	return out
}

func parseCell(name, cell string) (float64, error) {
	cell = strings.TrimSpace(cell)
	if cell == "" {
		return 0, fmt.Errorf("missing value")
	}
	if ml.IsFlag(name) {
		return ml.ParseFlag(cell)
	}
	v, err := strconv.ParseFloat(cell, 64)
	if err != nil {
		return 0, fmt.Errorf("not a number: %q", cell)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("not a finite number: %q", cell)
	}
	return v, nil
}
