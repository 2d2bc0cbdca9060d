// Package resultmanager persists, retrieves, and analyzes experiment
// results (SPEC_FULL.md §4.6), grounded 1:1 in
// original_source/labkit/labgrid/result_manager.py with one explicit
// hardening: metadata.json is rewritten via a temp-file-then-rename instead
// of a plain json.dump, per SPEC_FULL.md §4.6/§6.5.
package resultmanager

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/netlab/pkg/log"
	"github.com/cuemby/netlab/pkg/metrics"
	"github.com/cuemby/netlab/pkg/types"
)

const metadataVersion = "1.0"

// Manager owns the in-memory result index and its on-disk metadata.json
// mirror, rooted at BaseDir.
type Manager struct {
	baseDir             string
	retentionDays       int
	metadataPath        string

	mu    sync.Mutex
	index map[string]*types.ExperimentResult
}

// metadataFile is the on-disk shape of metadata.json.
type metadataFile struct {
	Version     string                     `json:"version"`
	LastUpdated string                     `json:"last_updated"`
	Results     []resultRecord             `json:"results"`
}

type resultRecord struct {
	ExperimentID string           `json:"experiment_id"`
	Status       types.ExperimentStatus `json:"status"`
	StartTime    *time.Time       `json:"start_time,omitempty"`
	EndTime      *time.Time       `json:"end_time,omitempty"`
	DurationSecs *float64         `json:"duration,omitempty"`
	OutputDir    string           `json:"output_dir"`
	ResultFiles  []string         `json:"result_files,omitempty"`
	Metrics      map[string]any   `json:"metrics,omitempty"`
	ErrorMessage string           `json:"error_message,omitempty"`
	Logs         []string         `json:"logs,omitempty"`
}

func toRecord(r *types.ExperimentResult) resultRecord {
	return resultRecord{
		ExperimentID: r.ExperimentID,
		Status:       r.Status,
		StartTime:    r.StartTime,
		EndTime:      r.EndTime,
		DurationSecs: r.DurationSecs,
		OutputDir:    r.OutputDir,
		ResultFiles:  r.ResultFiles,
		Metrics:      r.Metrics,
		ErrorMessage: r.ErrorMessage,
		Logs:         r.Logs,
	}
}

func fromRecord(rec resultRecord) *types.ExperimentResult {
	return &types.ExperimentResult{
		ExperimentID: rec.ExperimentID,
		Status:       rec.Status,
		OutputDir:    rec.OutputDir,
		StartTime:    rec.StartTime,
		EndTime:      rec.EndTime,
		DurationSecs: rec.DurationSecs,
		ResultFiles:  rec.ResultFiles,
		Metrics:      rec.Metrics,
		ErrorMessage: rec.ErrorMessage,
		Logs:         rec.Logs,
	}
}

// New opens (or creates) a result manager rooted at baseDir, loading any
// existing metadata.json and pruning results older than retentionDays.
func New(baseDir string, retentionDays int) (*Manager, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create result base dir: %w", err)
	}

	m := &Manager{
		baseDir:       baseDir,
		retentionDays: retentionDays,
		metadataPath:  filepath.Join(baseDir, "metadata.json"),
		index:         make(map[string]*types.ExperimentResult),
	}

	m.loadIndex()
	m.cleanupExpiredLocked()
	log.Logger.Info().Int("count", len(m.index)).Msg("result manager initialized")
	return m, nil
}

func (m *Manager) loadIndex() {
	data, err := os.ReadFile(m.metadataPath)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Logger.Error().Err(err).Msg("reading metadata.json")
		}
		return
	}

	var meta struct {
		Results []json.RawMessage `json:"results"`
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		log.Logger.Error().Err(err).Msg("parsing metadata.json")
		return
	}

	for _, raw := range meta.Results {
		var rec resultRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			log.Logger.Warn().Err(err).Msg("skipping result record that failed to parse")
			continue
		}
		if rec.ExperimentID == "" {
			log.Logger.Warn().Msg("skipping result record with no experiment_id")
			continue
		}
		m.index[rec.ExperimentID] = fromRecord(rec)
	}
	log.Logger.Info().Int("count", len(m.index)).Msg("loaded result index")
}

// saveIndexLocked atomically rewrites metadata.json: write to a temp file
// in the same directory, fsync, then rename over the target.
func (m *Manager) saveIndexLocked() error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ResultPersistDuration)

	meta := metadataFile{
		Version:     metadataVersion,
		LastUpdated: time.Now().UTC().Format(time.RFC3339),
	}
	for _, r := range m.index {
		meta.Results = append(meta.Results, toRecord(r))
	}
	sort.Slice(meta.Results, func(i, j int) bool {
		return meta.Results[i].ExperimentID < meta.Results[j].ExperimentID
	})

	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	tmp, err := os.CreateTemp(m.baseDir, "metadata-*.json.tmp")
	if err != nil {
		return fmt.Errorf("create temp metadata file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp metadata file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("fsync temp metadata file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp metadata file: %w", err)
	}
	if err := os.Rename(tmpPath, m.metadataPath); err != nil {
		return fmt.Errorf("rename metadata file: %w", err)
	}
	return nil
}

// StoreResult inserts result into the index and rewrites metadata.json.
func (m *Manager) StoreResult(result *types.ExperimentResult) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.index[result.ExperimentID] = result
	if err := m.saveIndexLocked(); err != nil {
		log.Logger.Error().Err(err).Str("experiment_id", result.ExperimentID).Msg("persist result index")
		return false
	}
	metrics.ResultsStored.Inc()
	log.Logger.Info().Str("experiment_id", result.ExperimentID).Msg("stored result")
	return true
}

// GetResult returns the stored result for experimentID, if any.
func (m *Manager) GetResult(experimentID string) (*types.ExperimentResult, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.index[experimentID]
	return r, ok
}

// GetAllResults returns every stored result, unordered.
func (m *Manager) GetAllResults() []*types.ExperimentResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*types.ExperimentResult, 0, len(m.index))
	for _, r := range m.index {
		out = append(out, r)
	}
	return out
}

// GetResultsByStatus returns every stored result with the given status.
func (m *Manager) GetResultsByStatus(status types.ExperimentStatus) []*types.ExperimentResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.ExperimentResult
	for _, r := range m.index {
		if r.Status == status {
			out = append(out, r)
		}
	}
	return out
}

// GetResultsByDateRange returns every result whose start-time falls within
// [start, end].
func (m *Manager) GetResultsByDateRange(start, end time.Time) []*types.ExperimentResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.ExperimentResult
	for _, r := range m.index {
		if r.StartTime == nil {
			continue
		}
		if !r.StartTime.Before(start) && !r.StartTime.After(end) {
			out = append(out, r)
		}
	}
	return out
}

func containsFold(haystack, needle string) bool {
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}

// SearchResults matches query as a case-insensitive substring of the
// experiment-id, error message, or any log line.
func (m *Manager) SearchResults(query string) []*types.ExperimentResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*types.ExperimentResult
	for _, r := range m.index {
		if containsFold(r.ExperimentID, query) {
			out = append(out, r)
			continue
		}
		if r.ErrorMessage != "" && containsFold(r.ErrorMessage, query) {
			out = append(out, r)
			continue
		}
		matched := false
		for _, line := range r.Logs {
			if containsFold(line, query) {
				matched = true
				break
			}
		}
		if matched {
			out = append(out, r)
		}
	}
	return out
}

// DeleteResult removes experimentID from the index, best-effort deletes its
// output directory, and rewrites metadata.json.
func (m *Manager) DeleteResult(experimentID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.index[experimentID]
	if !ok {
		log.Logger.Warn().Str("experiment_id", experimentID).Msg("delete: result does not exist")
		return false
	}

	if _, err := os.Stat(r.OutputDir); err == nil {
		if err := os.RemoveAll(r.OutputDir); err != nil {
			log.Logger.Warn().Err(err).Str("output_dir", r.OutputDir).Msg("delete output directory")
		}
	}

	delete(m.index, experimentID)
	if err := m.saveIndexLocked(); err != nil {
		log.Logger.Error().Err(err).Msg("persist result index after delete")
	}
	log.Logger.Info().Str("experiment_id", experimentID).Msg("deleted result")
	return true
}

// ArchiveResult copies experimentID's output directory into a timestamped
// subdirectory of archiveDir and writes a standalone metadata file there.
func (m *Manager) ArchiveResult(experimentID, archiveDir string) bool {
	m.mu.Lock()
	r, ok := m.index[experimentID]
	m.mu.Unlock()
	if !ok {
		log.Logger.Warn().Str("experiment_id", experimentID).Msg("archive: result does not exist")
		return false
	}

	archivePath := filepath.Join(archiveDir, fmt.Sprintf("%s_%s", experimentID, time.Now().Format("20060102_150405")))
	if err := os.MkdirAll(archivePath, 0o755); err != nil {
		log.Logger.Error().Err(err).Msg("create archive directory")
		return false
	}

	if _, err := os.Stat(r.OutputDir); err == nil {
		if err := copyDir(r.OutputDir, filepath.Join(archivePath, "results")); err != nil {
			log.Logger.Error().Err(err).Msg("copy output directory to archive")
			return false
		}
	}

	rec := toRecord(r)
	payload := struct {
		resultRecord
		ArchivedAt string `json:"archived_at"`
	}{resultRecord: rec, ArchivedAt: time.Now().UTC().Format(time.RFC3339)}

	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		log.Logger.Error().Err(err).Msg("marshal archive metadata")
		return false
	}
	if err := os.WriteFile(filepath.Join(archivePath, "metadata.json"), data, 0o644); err != nil {
		log.Logger.Error().Err(err).Msg("write archive metadata")
		return false
	}

	log.Logger.Info().Str("experiment_id", experimentID).Str("archive_path", archivePath).Msg("archived result")
	return true
}

func copyDir(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(target, info.Mode())
		}
		return copyFile(path, target, info.Mode())
	})
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}

// ExportResults writes the selected results (all, if experimentIDs is nil)
// to filePath in the given format ("json" or "csv").
func (m *Manager) ExportResults(filePath string, experimentIDs []string, format string) bool {
	m.mu.Lock()
	var results []*types.ExperimentResult
	if experimentIDs != nil {
		for _, id := range experimentIDs {
			if r, ok := m.index[id]; ok {
				results = append(results, r)
			}
		}
	} else {
		for _, r := range m.index {
			results = append(results, r)
		}
	}
	m.mu.Unlock()

	sort.Slice(results, func(i, j int) bool { return results[i].ExperimentID < results[j].ExperimentID })

	switch format {
	case "json":
		return m.exportJSON(results, filePath)
	case "csv":
		return m.exportCSV(results, filePath)
	default:
		log.Logger.Error().Str("format", format).Msg("unsupported export format")
		return false
	}
}

func (m *Manager) exportJSON(results []*types.ExperimentResult, filePath string) bool {
	payload := struct {
		ExportTime   string         `json:"export_time"`
		TotalResults int            `json:"total_results"`
		Results      []resultRecord `json:"results"`
	}{
		ExportTime:   time.Now().UTC().Format(time.RFC3339),
		TotalResults: len(results),
	}
	for _, r := range results {
		payload.Results = append(payload.Results, toRecord(r))
	}

	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		log.Logger.Error().Err(err).Msg("marshal export JSON")
		return false
	}
	if err := os.WriteFile(filePath, data, 0o644); err != nil {
		log.Logger.Error().Err(err).Msg("write export JSON")
		return false
	}
	log.Logger.Info().Int("count", len(results)).Str("file", filePath).Msg("exported results as JSON")
	return true
}

func (m *Manager) exportCSV(results []*types.ExperimentResult, filePath string) bool {
	f, err := os.Create(filePath)
	if err != nil {
		log.Logger.Error().Err(err).Msg("create export CSV")
		return false
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()

	header := []string{"experiment_id", "status", "start_time", "end_time", "duration", "output_dir", "result_files_count", "error_message"}
	if err := w.Write(header); err != nil {
		log.Logger.Error().Err(err).Msg("write CSV header")
		return false
	}

	for _, r := range results {
		row := []string{
			r.ExperimentID,
			string(r.Status),
			timeOrEmpty(r.StartTime),
			timeOrEmpty(r.EndTime),
			durationOrEmpty(r.DurationSecs),
			r.OutputDir,
			strconv.Itoa(len(r.ResultFiles)),
			r.ErrorMessage,
		}
		if err := w.Write(row); err != nil {
			log.Logger.Error().Err(err).Msg("write CSV row")
			return false
		}
	}

	log.Logger.Info().Int("count", len(results)).Str("file", filePath).Msg("exported results as CSV")
	return true
}

func timeOrEmpty(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func durationOrEmpty(d *float64) string {
	if d == nil {
		return ""
	}
	return strconv.FormatFloat(*d, 'f', -1, 64)
}

// Statistics is the shape returned by GetResultStatistics.
type Statistics struct {
	TotalResults    int
	StatusCounts    map[types.ExperimentStatus]int
	DateCounts      map[string]int
	AverageDuration float64
	SuccessRate     float64
	SuccessCount    int
	FailureCount    int
}

// GetResultStatistics aggregates counts and timing stats across every
// stored result.
func (m *Manager) GetResultStatistics() Statistics {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := Statistics{
		TotalResults: len(m.index),
		StatusCounts: make(map[types.ExperimentStatus]int),
		DateCounts:   make(map[string]int),
	}

	var durationSum float64
	var durationCount int

	for _, r := range m.index {
		stats.StatusCounts[r.Status]++
		if r.StartTime != nil {
			stats.DateCounts[r.StartTime.Format("2006-01-02")]++
		}
		if r.DurationSecs != nil {
			durationSum += *r.DurationSecs
			durationCount++
		}
		if r.Status == types.ExperimentCompleted {
			stats.SuccessCount++
		}
		if r.Status == types.ExperimentFailed {
			stats.FailureCount++
		}
	}

	if durationCount > 0 {
		stats.AverageDuration = durationSum / float64(durationCount)
	}
	if stats.TotalResults > 0 {
		stats.SuccessRate = float64(stats.SuccessCount) / float64(stats.TotalResults) * 100
	}
	return stats
}

// Comparison is the shape returned by CompareResults.
type Comparison struct {
	ComparedResults    int
	ExperimentIDs      []string
	ExecutionTimes     []float64
	Statuses           []types.ExperimentStatus
	MetricsComparison  map[string][]any
	FileCounts         []int
	ExecutionTimeStats struct {
		Min, Max, Average float64
	}
}

// CompareResults aggregates execution-time, status, metric, and file-count
// comparisons across the given experiment ids. Fewer than two known ids
// yields a zero-value Comparison.
func (m *Manager) CompareResults(experimentIDs []string) Comparison {
	m.mu.Lock()
	defer m.mu.Unlock()

	var results []*types.ExperimentResult
	for _, id := range experimentIDs {
		if r, ok := m.index[id]; ok {
			results = append(results, r)
		}
	}
	if len(results) < 2 {
		log.Logger.Warn().Msg("compare-results needs at least 2 known results")
		return Comparison{}
	}

	cmp := Comparison{
		ComparedResults:   len(results),
		ExperimentIDs:     experimentIDs,
		MetricsComparison: make(map[string][]any),
	}

	for _, r := range results {
		var dur float64
		if r.DurationSecs != nil {
			dur = *r.DurationSecs
		}
		cmp.ExecutionTimes = append(cmp.ExecutionTimes, dur)
		cmp.Statuses = append(cmp.Statuses, r.Status)
		cmp.FileCounts = append(cmp.FileCounts, len(r.ResultFiles))

		for name, value := range r.Metrics {
			cmp.MetricsComparison[name] = append(cmp.MetricsComparison[name], value)
		}
	}

	cmp.ExecutionTimeStats.Min = cmp.ExecutionTimes[0]
	cmp.ExecutionTimeStats.Max = cmp.ExecutionTimes[0]
	var sum float64
	for _, t := range cmp.ExecutionTimes {
		if t < cmp.ExecutionTimeStats.Min {
			cmp.ExecutionTimeStats.Min = t
		}
		if t > cmp.ExecutionTimeStats.Max {
			cmp.ExecutionTimeStats.Max = t
		}
		sum += t
	}
	cmp.ExecutionTimeStats.Average = sum / float64(len(cmp.ExecutionTimes))

	return cmp
}

// cleanupExpiredLocked deletes every result older than the manager's
// retention policy. Called once at startup.
func (m *Manager) cleanupExpiredLocked() {
	cutoff := time.Now().AddDate(0, 0, -m.retentionDays)
	var expired []string
	for id, r := range m.index {
		if r.StartTime != nil && r.StartTime.Before(cutoff) {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		m.deleteResultLocked(id)
	}
	if len(expired) > 0 {
		log.Logger.Info().Int("count", len(expired)).Msg("cleaned up expired results at startup")
	}
}

func (m *Manager) deleteResultLocked(experimentID string) bool {
	r, ok := m.index[experimentID]
	if !ok {
		return false
	}
	if _, err := os.Stat(r.OutputDir); err == nil {
		if err := os.RemoveAll(r.OutputDir); err != nil {
			log.Logger.Warn().Err(err).Str("output_dir", r.OutputDir).Msg("delete output directory")
		}
	}
	delete(m.index, experimentID)
	return true
}

// CleanupOldResults deletes every result whose start-time is older than
// days and rewrites metadata.json once at the end.
func (m *Manager) CleanupOldResults(days int) int {
	cutoff := time.Now().AddDate(0, 0, -days)

	m.mu.Lock()
	defer m.mu.Unlock()

	var old []string
	for id, r := range m.index {
		if r.StartTime != nil && r.StartTime.Before(cutoff) {
			old = append(old, id)
		}
	}
	for _, id := range old {
		m.deleteResultLocked(id)
	}
	if len(old) > 0 {
		if err := m.saveIndexLocked(); err != nil {
			log.Logger.Error().Err(err).Msg("persist result index after cleanup")
		}
		log.Logger.Info().Int("count", len(old)).Msg("cleaned up old results")
	}
	return len(old)
}

// StorageInfo is the shape returned by GetStorageInfo.
type StorageInfo struct {
	TotalResults      int
	TotalSizeBytes    int64
	TotalSizeMB       float64
	TotalSizeGB       float64
	TotalFiles        int
	BaseDirectory     string
	MaxRetentionDays  int
}

// GetStorageInfo walks every result's output directory and totals size and
// file count.
func (m *Manager) GetStorageInfo() StorageInfo {
	m.mu.Lock()
	results := make([]*types.ExperimentResult, 0, len(m.index))
	for _, r := range m.index {
		results = append(results, r)
	}
	total := len(m.index)
	m.mu.Unlock()

	info := StorageInfo{
		TotalResults:     total,
		BaseDirectory:    m.baseDir,
		MaxRetentionDays: m.retentionDays,
	}

	for _, r := range results {
		_ = filepath.Walk(r.OutputDir, func(path string, fi os.FileInfo, err error) error {
			if err != nil || fi == nil || fi.IsDir() {
				return nil
			}
			info.TotalSizeBytes += fi.Size()
			info.TotalFiles++
			return nil
		})
	}

	info.TotalSizeMB = float64(info.TotalSizeBytes) / (1024 * 1024)
	info.TotalSizeGB = float64(info.TotalSizeBytes) / (1024 * 1024 * 1024)
	return info
}

// Shutdown persists the index one last time.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.saveIndexLocked(); err != nil {
		log.Logger.Error().Err(err).Msg("persist result index at shutdown")
	}
	log.Logger.Info().Msg("result manager shut down")
}
