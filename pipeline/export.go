package pipeline

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"

	"github.com/xuri/excelize/v2"
)

// PriceColumn is appended to every exported table.
const PriceColumn = "Predicted_Price"

const sheetName = "Predictions"

// exportRecords 组装导出行：特征列写入清洗后的数值，其余列原样保留
func exportRecords(res *BatchResult) ([]string, [][]interface{}) {
	header := append(append([]string(nil), res.Header...), PriceColumn)

	featureAt := make(map[int]int, len(res.columns))
	for fi, col := range res.columns {
		featureAt[col] = fi
	}

	rows := make([][]interface{}, 0, len(res.Rows))
	for _, row := range res.Rows {
		out := make([]interface{}, len(header))
		for col := range res.Header {
			if fi, ok := featureAt[col]; ok {
				out[col] = row.Features[fi]
				continue
			}
			if col < len(row.record) {
				out[col] = row.record[col]
			} else {
				out[col] = ""
			}
		}
		out[len(header)-1] = row.Price
		rows = append(rows, out)
	}
	return header, rows
}

// WriteCSV 写出带预测价格列的CSV
func WriteCSV(w io.Writer, res *BatchResult) error {
	header, rows := exportRecords(res)
	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return err
	}
	record := make([]string, len(header))
	for _, row := range rows {
		for i, v := range row {
			switch x := v.(type) {
			case float64:
				record[i] = strconv.FormatFloat(x, 'f', -1, 64)
			default:
				record[i] = fmt.Sprint(x)
			}
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteXLSX 写出带预测价格列的Excel文件
func WriteXLSX(w io.Writer, res *BatchResult) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName(f.GetSheetName(0), sheetName); err != nil {
		return err
	}

	header, rows := exportRecords(res)
	headerRow := make([]interface{}, len(header))
	for i, h := range header {
		headerRow[i] = h
	}
	if err := f.SetSheetRow(sheetName, "A1", &headerRow); err != nil {
		return err
	}
	for i := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(sheetName, cell, &rows[i]); err != nil {
			return err
		}
	}
	_, err := f.WriteTo(w)
	return err
}

// DownloadName 下载文件名
func DownloadName(format Format) string {
	return "predicted_prices." + string(format)
}
