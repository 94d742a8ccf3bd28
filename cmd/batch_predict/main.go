package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"houseprice/config"
	"houseprice/db"
	"houseprice/logging"
	"houseprice/ml"
	"houseprice/pipeline"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	input := flag.String("input", "", "CSV or XLSX file with one house per row")
	output := flag.String("output", "", "output file (.csv or .xlsx), defaults to predicted_prices.<ext> next to input")
	record := flag.Bool("record", false, "store the batch in the prediction history database")
	flag.Parse()

	if *input == "" {
		log.Fatal("input is required")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := logging.New(logging.Options{Level: cfg.Log.Level, Format: "console"})
	defer logger.Sync()

	inFormat, err := pipeline.DetectFormat(*input)
	if err != nil {
		log.Fatalf("input: %v", err)
	}
	outPath := *output
	if outPath == "" {
		outPath = filepath.Join(filepath.Dir(*input), pipeline.DownloadName(inFormat))
	}
	outFormat, err := pipeline.DetectFormat(outPath)
	if err != nil {
		log.Fatalf("output: %v", err)
	}

	artifacts, err := ml.LoadArtifacts(ml.ArtifactPaths{
		ModelType:    cfg.Model.Type,
		ModelPath:    cfg.Model.ModelPath,
		FeaturesPath: cfg.Model.FeatureNamesPath,
		MetadataPath: cfg.Model.MetadataPath,
	})
	if err != nil {
		log.Fatalf("failed to load model artifacts: %v", err)
	}
	predictor, err := ml.NewPredictor(artifacts, logger)
	if err != nil {
		log.Fatalf("failed to build predictor: %v", err)
	}

	result, err := run(*input, inFormat, predictor, logger)
	if err != nil {
		log.Fatalf("batch failed: %v", err)
	}
	if err := writeResult(outPath, outFormat, result); err != nil {
		log.Fatalf("failed to write %s: %v", outPath, err)
	}

	if *record {
		if err := recordBatch(cfg.Database.Path, filepath.Base(*input), result); err != nil {
			log.Fatalf("failed to record batch: %v", err)
		}
	}

	fmt.Printf("predicted %d of %d rows, skipped %d\n", len(result.Rows), result.TotalRows(), result.SkippedCount())
	for _, issue := range append(result.Skipped, result.Failed...) {
		fmt.Printf("  row %d: %s\n", issue.SourceRow, issue.Message)
	}
	fmt.Printf("written to %s\n", outPath)
}

func run(path string, format pipeline.Format, predictor *ml.Predictor, logger *zap.Logger) (*pipeline.BatchResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	table, err := pipeline.ReadTable(f, format)
	if err != nil {
		return nil, err
	}
	return pipeline.NewBatchProcessor(predictor, predictor.FeatureNames(), logger).Run(table)
}

func writeResult(path string, format pipeline.Format, result *pipeline.BatchResult) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if format == pipeline.FormatXLSX {
		err = pipeline.WriteXLSX(f, result)
	} else {
		err = pipeline.WriteCSV(f, result)
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return err
}

func recordBatch(dbPath, filename string, result *pipeline.BatchResult) error {
	store, err := db.Open(dbPath)
	if err != nil {
		return err
	}
	defer store.Close()

	predictions := make([]db.Prediction, len(result.Rows))
	for i, row := range result.Rows {
		predictions[i] = db.Prediction{Features: row.Features, Price: row.Price}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return store.SaveBatch(ctx, db.BatchRecord{
		BatchID:   uuid.NewString(),
		Filename:  filename,
		TotalRows: result.TotalRows(),
		Predicted: len(result.Rows),
		Skipped:   result.SkippedCount(),
	}, predictions)
}
