package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/mist-health/mdf-pipeline/pkg/common/config"
	"github.com/mist-health/mdf-pipeline/pkg/common/httpclient"
	"github.com/mist-health/mdf-pipeline/pkg/dataset"
	"github.com/mist-health/mdf-pipeline/pkg/deid"
	"github.com/mist-health/mdf-pipeline/pkg/detect"
	"github.com/mist-health/mdf-pipeline/pkg/dlp"
	"github.com/mist-health/mdf-pipeline/pkg/mapping"
	"github.com/mist-health/mdf-pipeline/pkg/normalizer"
	"github.com/mist-health/mdf-pipeline/pkg/terminology"
)

// NewPseudonymizer uses the remote hashing service when one is configured
// and the local keyed hash otherwise.
func NewPseudonymizer(ctx context.Context, cfg *config.Config) (deid.Pseudonymizer, error) {
	if cfg.HashingServiceURL != "" {
		return deid.NewRemotePseudonymizer(ctx, deid.RemoteConfig{
			URL:          cfg.HashingServiceURL,
			ClientID:     cfg.HashingClientID,
			ClientSecret: cfg.HashingClientSecret,
			TokenURL:     cfg.HashingTokenURL,
			Timeout:      cfg.HashingTimeout,
		})
	}
	if cfg.PseudonymKey == "" {
		return nil, errors.New("either HASHING_SERVICE_URL or PSEUDONYM_KEY must be set")
	}
	return deid.NewHMACPseudonymizer(cfg.PseudonymKey)
}

// Build wires an orchestrator from configuration and the policy files it
// names.
func Build(cfg *config.Config, store dataset.Store, p deid.Pseudonymizer, salts deid.SaltSource, canceller Canceller) (*Orchestrator, error) {
	terms, err := terminology.Load(cfg.TerminologyPath)
	if err != nil {
		return nil, fmt.Errorf("load terminology: %w", err)
	}
	rules, err := dlp.LoadRules(cfg.DLPRulesPath)
	if err != nil {
		return nil, fmt.Errorf("load dlp rules: %w", err)
	}
	scrubber, err := dlp.NewScrubber(rules)
	if err != nil {
		return nil, fmt.Errorf("compile dlp rules: %w", err)
	}
	zipPolicy, err := deid.LoadZipPolicy(cfg.ZipPolicyPath)
	if err != nil {
		return nil, fmt.Errorf("load zip policy: %w", err)
	}

	return New(store, Stages{
		Detector:     detect.New(cfg.DetectMinConfidence),
		Mapper:       mapping.NewMapper(mapping.Targets(terms), cfg.MappingMinConfidence),
		Normalizer:   normalizer.New(terms, cfg.ChunkSize),
		Deidentifier: deid.New(p, scrubber, zipPolicy),
		Salts:        salts,
		Canceller:    canceller,
	}, Options{
		MaxRowLossFraction: cfg.MaxRowLossFraction,
		Persist: httpclient.Backoff{
			Attempts:  cfg.PersistAttempts,
			BaseDelay: cfg.PersistBaseDelay,
			MaxDelay:  cfg.PersistMaxDelay,
		},
	}), nil
}
