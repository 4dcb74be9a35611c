// Package uuid generates time-ordered record and worker identifiers.
package uuid

import (
	"fmt"
	"os"

	"github.com/google/uuid"
)

// Generator creates UUID v7 strings so ids sort roughly by creation time.
type Generator struct{}

// New creates a new Generator.
func New() *Generator {
	return &Generator{}
}

// NewID returns a UUID7 string.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return id.String(), nil
}

// WorkerID returns "<hostname>-<short uuid>" for job queue worker identification.
func (g Generator) WorkerID() (string, error) {
	id, err := g.NewID()
	if err != nil {
		return "", err
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%s", host, id[len(id)-12:]), nil
}

// Valid reports whether s parses as a UUID.
func Valid(s string) bool {
	return uuid.Validate(s) == nil
}
