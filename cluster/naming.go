package cluster

import (
	"strings"

	"github.com/google/uuid"

	"github.com/clusterforge/clusterforge/errs"
)

const maxNameAttempts = 5

// generateName builds a candidate cluster name (spec.md §4.5 "Naming"):
// "<baseName>-<template>-<suffix>" if baseName is given, else
// "<template>-<suffix>". exists is consulted for collisions; after
// maxNameAttempts regenerated suffixes it gives up with NameConflict.
func generateName(baseName, templateName string, exists func(name string) bool) (string, error) {
	for attempt := 0; attempt < maxNameAttempts; attempt++ {
		suffix := shortSuffix()
		var name string
		if baseName != "" {
			name = baseName + "-" + templateName + "-" + suffix
		} else {
			name = templateName + "-" + suffix
		}
		if !exists(name) {
			return name, nil
		}
	}
	return "", errs.New(errs.Conflict, "could not allocate a unique cluster name")
}

func shortSuffix() string {
	id := uuid.New().String()
	return strings.ReplaceAll(id[:8], "-", "")
}
