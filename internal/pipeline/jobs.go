package pipeline

import (
	"crypto/sha256"
	"fmt"
	"sync"
	"time"

	"github.com/quantlake/finsight/internal/corpus"
)

// JobStatus represents the state of an ingestion job.
type JobStatus string

const (
	StatusQueued      JobStatus = "queued"
	StatusParsing     JobStatus = "parsing"
	StatusChunking    JobStatus = "chunking"
	StatusEmbedding   JobStatus = "embedding"
	StatusSummarizing JobStatus = "summarizing"
	StatusIndexing    JobStatus = "indexing"
	StatusCompleted   JobStatus = "completed"
	StatusFailed      JobStatus = "failed"
	StatusDupSkipped  JobStatus = "duplicate_skipped"
)

// Job tracks the state of a single document ingestion.
type Job struct {
	mu sync.Mutex

	ID       string          `json:"job_id"`
	Document corpus.Document `json:"document"`
	Filename string          `json:"filename,omitempty"`

	Status JobStatus `json:"status"`
	Phase  string    `json:"phase"`

	Progress Progress `json:"progress"`

	ContentHash string    `json:"content_hash,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`

	// Internal: not serialized.
	rawText  string
	fileData []byte
	errors   []string
}

// Progress tracks processing progress.
type Progress struct {
	TotalChunks    int      `json:"total_chunks"`
	ChunksEmbedded int      `json:"chunks_embedded"`
	NodesBuilt     int      `json:"nodes_built"`
	DegradedNodes  int      `json:"degraded_nodes"`
	Errors         []string `json:"errors"`
}

// NewRawTextJob creates a job for pre-extracted text.
func NewRawTextJob(doc corpus.Document, rawText string) *Job {
	now := time.Now()
	return &Job{
		ID:        corpus.NewULID(),
		Document:  doc,
		Status:    StatusQueued,
		rawText:   rawText,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// NewFileJob creates a job for an uploaded file that still needs
// parsing.
func NewFileJob(doc corpus.Document, filename string, data []byte) *Job {
	now := time.Now()
	return &Job{
		ID:        corpus.NewULID(),
		Document:  doc,
		Filename:  filename,
		Status:    StatusQueued,
		fileData:  data,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// JobStore is a thread-safe in-memory job registry with TTL eviction.
type JobStore struct {
	mu   sync.Mutex
	jobs map[string]*Job
	ttl  time.Duration
}

func NewJobStore(ttl time.Duration) *JobStore {
	return &JobStore{
		jobs: make(map[string]*Job),
		ttl:  ttl,
	}
}

func (s *JobStore) Put(job *Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job
}

func (s *JobStore) Get(id string) *Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobs[id]
}

// Cleanup removes expired jobs.
func (s *JobStore) Cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for id, job := range s.jobs {
		if now.Sub(job.UpdatedAt) > s.ttl {
			delete(s.jobs, id)
		}
	}
}

// SetStatus updates job status atomically.
func (j *Job) SetStatus(status JobStatus, phase string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.Status = status
	j.Phase = phase
	j.UpdatedAt = time.Now()
}

// AddError records an error.
func (j *Job) AddError(err string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.errors = append(j.errors, err)
	j.Progress.Errors = j.errors
	j.UpdatedAt = time.Now()
}

// SetTotalChunks records total chunk count.
func (j *Job) SetTotalChunks(n int) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.Progress.TotalChunks = n
	j.UpdatedAt = time.Now()
}

// AddChunksEmbedded atomically bumps the embedded-chunk count.
func (j *Job) AddChunksEmbedded(n int) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.Progress.ChunksEmbedded += n
	j.UpdatedAt = time.Now()
}

// SetNodesBuilt records tree build results.
func (j *Job) SetNodesBuilt(total, degraded int) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.Progress.NodesBuilt = total
	j.Progress.DegradedNodes = degraded
	j.UpdatedAt = time.Now()
}

// SetContentHash records the parsed-content hash.
func (j *Job) SetContentHash(hash string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.ContentHash = hash
	j.UpdatedAt = time.Now()
}

// JobSnapshot is a read-only, JSON-safe copy of job state.
type JobSnapshot struct {
	ID          string          `json:"job_id"`
	Document    corpus.Document `json:"document"`
	Filename    string          `json:"filename,omitempty"`
	Status      JobStatus       `json:"status"`
	Phase       string          `json:"phase"`
	ContentHash string          `json:"content_hash,omitempty"`
	Progress    Progress        `json:"progress"`
}

// Snapshot returns a JSON-safe copy of the job state.
func (j *Job) Snapshot() JobSnapshot {
	j.mu.Lock()
	defer j.mu.Unlock()
	errs := j.Progress.Errors
	if errs == nil {
		errs = []string{}
	}
	return JobSnapshot{
		ID:          j.ID,
		Document:    j.Document,
		Filename:    j.Filename,
		Status:      j.Status,
		Phase:       j.Phase,
		ContentHash: j.ContentHash,
		Progress: Progress{
			TotalChunks:    j.Progress.TotalChunks,
			ChunksEmbedded: j.Progress.ChunksEmbedded,
			NodesBuilt:     j.Progress.NodesBuilt,
			DegradedNodes:  j.Progress.DegradedNodes,
			Errors:         errs,
		},
	}
}

// ContentHashHex computes SHA-256 of content and returns hex string.
func ContentHashHex(data []byte) string {
	h := sha256.Sum256(data)
	return fmt.Sprintf("%x", h[:])
}
