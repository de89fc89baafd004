// Command ingest loads a JSON batch of study estimates into the evidence
// store, re-pools the evidence base and activates the resulting version.
// It is the offline counterpart of the server's ingestion endpoint.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"os"

	"github.com/periop-risk-server/internal/config"
	"github.com/periop-risk-server/internal/domain"
	"github.com/periop-risk-server/internal/ingest"
	"github.com/periop-risk-server/internal/logging"
	"github.com/periop-risk-server/internal/pooling"
	"github.com/periop-risk-server/internal/store"
)

func main() {
	var (
		file     = flag.String("file", "", "JSON file holding an array of study estimates")
		outcomes = flag.String("outcomes", "", "optional JSON file holding the outcome catalog")
	)
	flag.Parse()

	if *file == "" && *outcomes == "" {
		log.Fatal("nothing to do: pass -file and/or -outcomes")
	}

	configManager, err := config.NewManager()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := configManager.Validate(); err != nil {
		log.Fatalf("Configuration validation failed: %v", err)
	}

	cfg := configManager.GetConfig()
	logger := logging.New(cfg.Logging)
	ctx := context.Background()

	evidenceStore, err := store.Open(ctx, cfg.Store, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to open evidence store")
	}
	defer evidenceStore.Close()

	if *outcomes != "" {
		catalog, err := readJSON[[]*domain.OutcomeInfo](*outcomes)
		if err != nil {
			logger.WithError(err).Fatal("Failed to read outcome catalog")
		}
		for _, info := range catalog {
			if err := evidenceStore.SaveOutcomeInfo(ctx, info); err != nil {
				logger.WithError(err).WithField("token", info.Token).Fatal("Failed to store outcome")
			}
		}
		logger.WithField("outcomes", len(catalog)).Info("Outcome catalog updated")
	}

	if *file == "" {
		return
	}

	estimates, err := readJSON[[]*domain.Estimate](*file)
	if err != nil {
		logger.WithError(err).Fatal("Failed to read estimates")
	}

	pooler := pooling.NewEngine(cfg.Pooling, logger)
	svc := ingest.NewService(evidenceStore, pooler, cfg.Ingest, logger)

	report, err := svc.IngestBatch(ctx, estimates)
	if err != nil {
		logger.WithError(err).Fatal("Ingestion batch failed")
	}

	out, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		logger.WithError(err).Fatal("Failed to encode report")
	}
	os.Stdout.Write(append(out, '\n'))
}

func readJSON[T any](path string) (T, error) {
	var value T
	data, err := os.ReadFile(path)
	if err != nil {
		return value, err
	}
	if err := json.Unmarshal(data, &value); err != nil {
		return value, err
	}
	return value, nil
}
