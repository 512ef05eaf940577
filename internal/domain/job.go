package domain

import (
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
	"time"
)

// JobStatus is the lifecycle state of an ingestion job.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobInProgress JobStatus = "in_progress"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobCancelled  JobStatus = "cancelled"
)

// Terminal reports whether no further transitions happen within a run.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// JobMode selects what a run does.
type JobMode string

const (
	ModeHistorical JobMode = "historical"
	ModeDaily      JobMode = "daily"
	ModeVerify     JobMode = "verify"
)

// Granularity selects how work is split into units.
type Granularity string

const (
	// GranularityGrouped fetches all symbols for one trading day per unit.
	GranularityGrouped Granularity = "grouped"
	// GranularityPerSymbol fetches one symbol over one date chunk per unit.
	GranularityPerSymbol Granularity = "per_symbol"
)

// UnitSet is the set of processed unit keys. The value records whether the
// unit succeeded (true) or was recorded as an error (false).
type UnitSet map[string]bool

// Job is the durable progress record of one ingestion run.
type Job struct {
	ID                string      `json:"job_id"`
	Mode              JobMode     `json:"mode"`
	Granularity       Granularity `json:"granularity"`
	Resolution        Resolution  `json:"resolution"`
	Start             time.Time   `json:"start"`
	End               time.Time   `json:"end"`
	TotalUnits        int         `json:"total_units"`
	ProcessedUnits    UnitSet     `json:"processed_units"`
	Succeeded         int         `json:"succeeded"`
	Errored           int         `json:"errored"`
	TotalBarsWritten  int64       `json:"total_bars_written"`
	Status            JobStatus   `json:"status"`
	LastProcessedUnit string      `json:"last_processed_unit,omitempty"`
	UpdatedAt         time.Time   `json:"updated_at"`

	// Starts holds the first planned day of every symbol of a per-symbol
	// daily job. Resuming re-plans from it so unit keys stay stable.
	Starts map[string]time.Time `json:"starts,omitempty"`

	unsaved       []string // keys marked since the last successful save
	startsUnsaved bool
}

// NewJob returns a fresh pending job for id.
func NewJob(id string) *Job {
	return &Job{
		ID:             id,
		Status:         JobPending,
		ProcessedUnits: make(UnitSet),
	}
}

// IsProcessed reports whether the unit key already has a terminal outcome.
func (j *Job) IsProcessed(key string) bool {
	_, ok := j.ProcessedUnits[key]
	return ok
}

// MarkProcessed records a terminal outcome for key. Marking an already
// processed key is a no-op.
func (j *Job) MarkProcessed(key string, ok bool, bars int64) {
	if j.ProcessedUnits == nil {
		j.ProcessedUnits = make(UnitSet)
	}
	if _, done := j.ProcessedUnits[key]; done {
		return
	}
	j.ProcessedUnits[key] = ok
	if ok {
		j.Succeeded++
	} else {
		j.Errored++
	}
	j.TotalBarsWritten += bars
	j.LastProcessedUnit = key
	j.unsaved = append(j.unsaved, key)
}

// Unsaved returns the keys marked since the last MarkSaved call.
func (j *Job) Unsaved() []string {
	return append([]string(nil), j.unsaved...)
}

// MarkSaved drops the first n unsaved keys after a save that persisted
// them. Keys marked after the saved snapshot was taken stay unsaved.
func (j *Job) MarkSaved(n int) {
	n = min(n, len(j.unsaved))
	j.unsaved = append(j.unsaved[:0], j.unsaved[n:]...)
	j.startsUnsaved = false
}

// SetStarts replaces the planned per-symbol start days.
func (j *Job) SetStarts(starts map[string]time.Time) {
	j.Starts = starts
	j.startsUnsaved = true
}

// StartsUnsaved reports whether Starts changed since the last save.
func (j *Job) StartsUnsaved() bool { return j.startsUnsaved }

// ErroredUnits returns the sorted keys of units recorded as errors.
func (j *Job) ErroredUnits() []string {
	var keys []string
	for k, ok := range j.ProcessedUnits {
		if !ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// Clone returns a deep copy safe to hand to a store while the original keeps
// being mutated.
func (j *Job) Clone() *Job {
	c := *j
	c.ProcessedUnits = make(UnitSet, len(j.ProcessedUnits))
	for k, v := range j.ProcessedUnits {
		c.ProcessedUnits[k] = v
	}
	if j.Starts != nil {
		c.Starts = make(map[string]time.Time, len(j.Starts))
		for k, v := range j.Starts {
			c.Starts[k] = v
		}
	}
	c.unsaved = append([]string(nil), j.unsaved...)
	return &c
}

// JobKey derives the deterministic job id for a run configuration.
func JobKey(mode JobMode, gran Granularity, res Resolution, start, end time.Time, symbols []string) string {
	var b strings.Builder
	switch mode {
	case ModeDaily:
		b.WriteString("daily_update")
	case ModeVerify:
		b.WriteString("verify")
	default:
		b.WriteString("historical_load")
	}
	fmt.Fprintf(&b, "_%s_%s", start.Format(DateLayout), end.Format(DateLayout))
	if gran == GranularityPerSymbol {
		fmt.Fprintf(&b, "_per_symbol_%s", res)
	}
	if len(symbols) > 0 {
		sorted := append([]string(nil), symbols...)
		sort.Strings(sorted)
		h := fnv.New32a()
		h.Write([]byte(strings.Join(sorted, ",")))
		fmt.Fprintf(&b, "_%08x", h.Sum32())
	}
	return b.String()
}

// Summary is the end-of-run report.
type Summary struct {
	JobID        string
	Status       JobStatus
	Processed    int
	Succeeded    int
	Errored      int
	Skipped      int
	BarsWritten  int64
	ErroredUnits []string
	Elapsed      time.Duration
}
