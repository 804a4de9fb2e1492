package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/md-rashed-zaman/apptsched/services/booking-service/internal/directory"
)

// directorySeed has the same shape as the directory event payloads, so a seed file can be
// produced by dumping the business service topics.
type directorySeed struct {
	Staff    []json.RawMessage `json:"staff"`
	Services []json.RawMessage `json:"services"`
}

func seedDirectory(ctx context.Context, applier *directory.Applier, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var seed directorySeed
	if err := json.Unmarshal(raw, &seed); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	for i, s := range seed.Staff {
		if err := applier.ApplyStaffEvent(ctx, s); err != nil {
			return fmt.Errorf("staff[%d]: %w", i, err)
		}
	}
	for i, s := range seed.Services {
		if err := applier.ApplyServiceEvent(ctx, s); err != nil {
			return fmt.Errorf("services[%d]: %w", i, err)
		}
	}
	return nil
}
