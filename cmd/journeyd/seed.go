package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"bus-journeys/internal/transit"
)

type seedFile struct {
	Assignments []transit.Assignment `json:"assignments"`
}

// assignmentWriter is implemented by both stores.
type assignmentWriter interface {
	SaveRoute(ctx context.Context, r transit.Route) error
	SaveAssignment(ctx context.Context, a transit.Assignment) error
}

func loadSeed(path string) ([]transit.Assignment, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f seedFile
	if err := json.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	for _, a := range f.Assignments {
		if a.ID == "" {
			return nil, fmt.Errorf("%s: assignment without id", path)
		}
		if err := a.Route.Validate(); err != nil {
			return nil, fmt.Errorf("%s: assignment %s: %w", path, a.ID, err)
		}
		if a.VehicleCapacity <= 0 {
			return nil, fmt.Errorf("%s: assignment %s has capacity %d", path, a.ID, a.VehicleCapacity)
		}
	}
	return f.Assignments, nil
}

func applySeed(ctx context.Context, w assignmentWriter, assignments []transit.Assignment) error {
	for _, a := range assignments {
		if err := w.SaveRoute(ctx, a.Route); err != nil {
			return err
		}
		if err := w.SaveAssignment(ctx, a); err != nil {
			return err
		}
	}
	return nil
}
