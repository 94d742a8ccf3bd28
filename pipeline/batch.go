package pipeline

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"houseprice/ml"
)

// PredictedRow 一行预测结果
type PredictedRow struct {
	Index     int       `json:"index"`
	SourceRow int       `json:"source_row"`
	Features  []float64 `json:"features"`
	Price     float64   `json:"price"`

	record []string
}

// BatchResult 批量预测结果，Rows 保持输入顺序
type BatchResult struct {
	Header       []string       `json:"header"`
	FeatureNames []string       `json:"feature_names"`
	Rows         []PredictedRow `json:"rows"`
	Skipped      []QualityIssue `json:"skipped"`
	Failed       []QualityIssue `json:"failed"`
	Stats        CleaningStats  `json:"stats"`

	columns []int
}

// TotalRows is the number of data rows read from the input.
func (r *BatchResult) TotalRows() int {
	return len(r.Rows) + len(r.Skipped) + len(r.Failed)
}

// SkippedCount counts every row left out of the output.
func (r *BatchResult) SkippedCount() int {
	return len(r.Skipped) + len(r.Failed)
}

// BatchProcessor 逐行调用预测服务
type BatchProcessor struct {
	predictor ml.PricePredictor
	names     []string
	logger    *zap.Logger
}

func NewBatchProcessor(predictor ml.PricePredictor, names []string, logger *zap.Logger) *BatchProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BatchProcessor{
		predictor: predictor,
		names:     append([]string(nil), names...),
		logger:    logger,
	}
}

// Run predicts every row of table in order. Rows with unusable cells and rows
// the predictor rejects with a validation error are left out and reported;
// any other predictor error aborts the batch.
func (b *BatchProcessor) Run(table *Table) (*BatchResult, error) {
	if table == nil {
		return nil, ErrEmptyTable
	}
	cleaner, err := NewRowCleaner(table.Header, b.names)
	if err != nil {
		return nil, err
	}

	result := &BatchResult{
		Header:       append([]string(nil), table.Header...),
		FeatureNames: append([]string(nil), b.names...),
		Rows:         make([]PredictedRow, 0, len(table.Rows)),
		Skipped:      make([]QualityIssue, 0),
		Failed:       make([]QualityIssue, 0),
		columns:      cleaner.Columns(),
	}

	for i, record := range table.Rows {
		sourceRow := i + 1
		features, issue := cleaner.Clean(sourceRow, record)
		if issue != nil {
			result.Skipped = append(result.Skipped, *issue)
			continue
		}

		price, err := b.predictor.PredictPrice(features)
		if err != nil {
			var ve *ml.ValidationError
			if !errors.As(err, &ve) {
				return nil, fmt.Errorf("row %d: %w", sourceRow, err)
			}
			result.Failed = append(result.Failed, QualityIssue{
				SourceRow: sourceRow,
				Column:    ve.Feature,
				Message:   ve.Error(),
			})
			continue
		}

		result.Rows = append(result.Rows, PredictedRow{
			Index:     len(result.Rows),
			SourceRow: sourceRow,
			Features:  features,
			Price:     price,
			record:    record,
		})
	}
	result.Stats = cleaner.Stats()

	if n := result.SkippedCount(); n > 0 {
		b.logger.Warn("batch rows skipped",
			zap.Int("skipped", len(result.Skipped)),
			zap.Int("failed", len(result.Failed)),
			zap.Int("predicted", len(result.Rows)))
	}
	return result, nil
}
