package storage

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
)

type RetentionPolicy struct {
	Days  int
	Count int
}

type RetentionResult struct {
	DeletedCount int
	DeletedKeys  []string
	Errors       []error
}

func (p *RetentionPolicy) IsEnabled() bool {
	return p.Days > 0 || p.Count > 0
}

// DumpLister is the part of the R2 client retention needs.
type DumpLister interface {
	ListDumps(ctx context.Context) ([]DumpObject, error)
	Delete(ctx context.Context, key string) error
}

// ApplyRetention deletes published dumps that fall outside the policy. The
// dump named keep (the one just published) is never deleted.
func ApplyRetention(ctx context.Context, client DumpLister, policy RetentionPolicy, keep string) (*RetentionResult, error) {
	if !policy.IsEnabled() {
		return &RetentionResult{}, nil
	}

	dumps, err := client.ListDumps(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list dumps: %w", err)
	}

	toDelete := determineDumpsToDelete(dumps, policy, time.Now())

	result := &RetentionResult{
		DeletedKeys: make([]string, 0, len(toDelete)),
	}

	for _, dump := range toDelete {
		if keep != "" && dump.Key == keep {
			continue
		}
		if err := client.Delete(ctx, dump.Key); err != nil {
			result.Errors = append(result.Errors, err)
			log.WithField("key", dump.Key).Warnf("Failed to delete dump: %v", err)
		} else {
			result.DeletedCount++
			result.DeletedKeys = append(result.DeletedKeys, dump.Key)
			log.WithField("key", dump.Key).Info("Deleted old dump")
		}
	}

	return result, nil
}

// determineDumpsToDelete expects dumps sorted newest first.
func determineDumpsToDelete(dumps []DumpObject, policy RetentionPolicy, now time.Time) []DumpObject {
	var toDelete []DumpObject

	// Keep the N most recent when a count policy is set
	keep := make(map[string]bool)
	if policy.Count > 0 {
		for i := 0; i < policy.Count && i < len(dumps); i++ {
			keep[dumps[i].Key] = true
		}
	}

	maxAge := time.Duration(policy.Days) * 24 * time.Hour

	for _, dump := range dumps {
		shouldDelete := false

		if policy.Days > 0 && now.Sub(dump.LastModified) > maxAge {
			shouldDelete = true
		}

		if policy.Count > 0 && !keep[dump.Key] {
			shouldDelete = true
		}

		// The count policy protects the newest dumps even when they are old
		if shouldDelete && (policy.Count == 0 || !keep[dump.Key]) {
			toDelete = append(toDelete, dump)
		}
	}

	return toDelete
}
