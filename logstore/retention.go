package logstore

import (
	"sort"
	"time"
)

// RetentionPolicy bounds stored entries by age and count. LevelPolicies
// override the global MaxAge per level; FunctionID scopes the whole policy
// to one function.
type RetentionPolicy struct {
	// MaxAge deletes entries older than this. Zero disables age pruning.
	MaxAge time.Duration `json:"maxAge,omitempty"`
	// MaxCount keeps only the most recent N entries per function. Zero
	// disables count pruning.
	MaxCount int `json:"maxCount,omitempty"`
	// FunctionID scopes the policy to one function when set.
	FunctionID string `json:"functionId,omitempty"`
	// LevelPolicies override MaxAge for specific levels.
	LevelPolicies map[Level]LevelPolicy `json:"levelPolicies,omitempty"`
}

// LevelPolicy is a per-level retention override.
type LevelPolicy struct {
	MaxAge time.Duration `json:"maxAge"`
}

// ApplyRetention deletes entries exceeding the policy and returns the
// deletion count. Count pruning keeps the most recent entries by
// timestamp.
func (a *Aggregator) ApplyRetention(policy RetentionPolicy) int {
	now := a.now().UTC()

	a.mu.Lock()
	defer a.mu.Unlock()

	doomed := make(map[*Entry]struct{})

	expired := func(e *Entry) bool {
		if policy.FunctionID != "" && e.FunctionID != policy.FunctionID {
			return false
		}
		if lp, ok := policy.LevelPolicies[e.Level]; ok {
			return lp.MaxAge > 0 && now.Sub(e.Timestamp) > lp.MaxAge
		}
		return policy.MaxAge > 0 && now.Sub(e.Timestamp) > policy.MaxAge
	}

	for _, e := range a.global {
		if expired(e) {
			doomed[e] = struct{}{}
		}
	}

	if policy.MaxCount > 0 {
		for fid, entries := range a.byFunction {
			if policy.FunctionID != "" && fid != policy.FunctionID {
				continue
			}
			survivors := make([]*Entry, 0, len(entries))
			for _, e := range entries {
				if _, dead := doomed[e]; !dead {
					survivors = append(survivors, e)
				}
			}
			if len(survivors) <= policy.MaxCount {
				continue
			}
			sort.SliceStable(survivors, func(i, j int) bool {
				return survivors[i].Timestamp.Before(survivors[j].Timestamp)
			})
			for _, e := range survivors[:len(survivors)-policy.MaxCount] {
				doomed[e] = struct{}{}
			}
		}
	}

	if len(doomed) == 0 {
		return 0
	}

	// Remove from both indexes together so they never disagree.
	global := a.global[:0]
	for _, e := range a.global {
		if _, dead := doomed[e]; !dead {
			global = append(global, e)
		}
	}
	a.global = global

	for fid, entries := range a.byFunction {
		kept := entries[:0]
		for _, e := range entries {
			if _, dead := doomed[e]; !dead {
				kept = append(kept, e)
			}
		}
		if len(kept) == 0 {
			delete(a.byFunction, fid)
		} else {
			a.byFunction[fid] = kept
		}
	}

	if a.metrics != nil {
		a.metrics.RetentionDeletedTotal.Add(float64(len(doomed)))
	}
	a.logger.Debug("Applied retention policy", "deleted", len(doomed))
	return len(doomed)
}

// ScheduleRetention installs a periodic retention task. Installing a new
// schedule cancels the previous one; at most one schedule runs at a time.
func (a *Aggregator) ScheduleRetention(policy RetentionPolicy, interval time.Duration) {
	a.retentionMu.Lock()
	if a.retentionCancel != nil {
		close(a.retentionCancel)
	}
	cancel := make(chan struct{})
	a.retentionCancel = cancel
	a.retentionMu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-cancel:
				return
			case <-ticker.C:
				a.ApplyRetention(policy)
			}
		}
	}()
}

// CancelRetention stops any scheduled retention task.
func (a *Aggregator) CancelRetention() {
	a.retentionMu.Lock()
	defer a.retentionMu.Unlock()
	if a.retentionCancel != nil {
		close(a.retentionCancel)
		a.retentionCancel = nil
	}
}
