package usecase

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/kirillkom/archive-pipeline/internal/core/domain"
	"github.com/kirillkom/archive-pipeline/internal/core/ports"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func cloneDoc(d *domain.Document) *domain.Document {
	c := *d
	c.ProcessingLog = append([]domain.LogEntry(nil), d.ProcessingLog...)
	if d.StructuredData != nil {
		c.StructuredData = maps.Clone(d.StructuredData)
	}
	if d.ProcessingStartedAt != nil {
		t := *d.ProcessingStartedAt
		c.ProcessingStartedAt = &t
	}
	return &c
}

// memRepo is an in-memory DocumentRepository that also checks that no saved
// state ever has two steps in flight at once. With checkCtx set, reads and
// writes fail once their context is done, like a real driver.
type memRepo struct {
	mu             sync.Mutex
	docs           map[string]*domain.Document
	order          []string
	saveErr        error
	violations     []string
	saves          int
	checkCtx       bool
	afterListStuck func()
}

func newMemRepo(docs ...*domain.Document) *memRepo {
	r := &memRepo{docs: make(map[string]*domain.Document)}
	for _, d := range docs {
		r.docs[d.ID] = cloneDoc(d)
		r.order = append(r.order, d.ID)
	}
	return r
}

func (r *memRepo) Create(_ context.Context, doc *domain.Document) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.docs[doc.ID]; ok {
		return domain.ErrDuplicateDocument
	}
	r.docs[doc.ID] = cloneDoc(doc)
	r.order = append(r.order, doc.ID)
	return nil
}

func (r *memRepo) GetByID(ctx context.Context, id string) (*domain.Document, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.ctxErr(ctx); err != nil {
		return nil, err
	}
	d, ok := r.docs[id]
	if !ok {
		return nil, domain.WrapError(domain.ErrDocumentNotFound, "get document", fmt.Errorf("id=%s", id))
	}
	return cloneDoc(d), nil
}

func (r *memRepo) SaveState(ctx context.Context, doc *domain.Document) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.ctxErr(ctx); err != nil {
		return err
	}
	if r.saveErr != nil {
		return r.saveErr
	}
	stored, ok := r.docs[doc.ID]
	if !ok {
		return domain.ErrDocumentNotFound
	}
	r.checkInFlight(doc)
	next := cloneDoc(doc)
	next.ProcessingLog = stored.ProcessingLog
	r.docs[doc.ID] = next
	r.saves++
	return nil
}

func (r *memRepo) ClaimStep(ctx context.Context, id string, step domain.Step) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.ctxErr(ctx); err != nil {
		return false, err
	}
	if r.saveErr != nil {
		return false, r.saveErr
	}
	d, ok := r.docs[id]
	if !ok {
		return false, nil
	}
	status := d.StepStatus(step)
	if status.InFlight() || status == domain.StatusDone || d.ProcessingStatus.InFlight() {
		return false, nil
	}
	d.SetStepStatus(step, domain.StatusQueued)
	d.ProcessingStep = step
	d.ProcessingStatus = domain.StatusQueued
	r.checkInFlight(d)
	r.saves++
	return true, nil
}

func (r *memRepo) checkInFlight(doc *domain.Document) {
	inFlight := 0
	for _, step := range domain.PipelineSteps {
		if doc.StepStatus(step).InFlight() {
			inFlight++
		}
	}
	if inFlight > 1 {
		r.violations = append(r.violations, fmt.Sprintf("%s: %d steps in flight", doc.ID, inFlight))
	}
}

func (r *memRepo) ctxErr(ctx context.Context) error {
	if !r.checkCtx {
		return nil
	}
	return ctx.Err()
}

func (r *memRepo) AppendLog(ctx context.Context, id string, entry domain.LogEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.ctxErr(ctx); err != nil {
		return err
	}
	d, ok := r.docs[id]
	if !ok {
		return domain.ErrDocumentNotFound
	}
	d.ProcessingLog = append(d.ProcessingLog, entry)
	return nil
}

func (r *memRepo) ExistsByChecksum(_ context.Context, archiveID int64, checksum string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range r.docs {
		if d.ArchiveID == archiveID && d.Checksum == checksum {
			return true, nil
		}
	}
	return false, nil
}

func (r *memRepo) ListIDsWithoutStatus(_ context.Context, limit int) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, id := range r.order {
		if r.docs[id].ProcessingStatus == domain.StatusNone && len(out) < limit {
			out = append(out, id)
		}
	}
	return out, nil
}

// ListStuck runs afterListStuck once the snapshot is taken, so tests can
// change a document between the listing and the reset.
func (r *memRepo) ListStuck(_ context.Context, before time.Time) ([]*domain.Document, error) {
	out := r.listStuck(before)
	if r.afterListStuck != nil {
		r.afterListStuck()
	}
	return out, nil
}

func (r *memRepo) listStuck(before time.Time) []*domain.Document {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Document
	for _, id := range r.order {
		d := r.docs[id]
		if !d.ProcessingStatus.Scheduled() {
			continue
		}
		since := d.UpdatedAt
		if d.ProcessingStartedAt != nil {
			since = *d.ProcessingStartedAt
		}
		if since.Before(before) {
			out = append(out, cloneDoc(d))
		}
	}
	return out
}

func (r *memRepo) ListIncomplete(_ context.Context, limit int) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, id := range r.order {
		if r.docs[id].ProcessingStatus != domain.StatusComplete && len(out) < limit {
			out = append(out, id)
		}
	}
	return out, nil
}

func (r *memRepo) List(_ context.Context, limit int) ([]*domain.Document, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Document
	for _, id := range r.order {
		if len(out) < limit {
			out = append(out, cloneDoc(r.docs[id]))
		}
	}
	return out, nil
}

func (r *memRepo) update(id string, fn func(d *domain.Document)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(r.docs[id])
}

func (r *memRepo) doc(id string) *domain.Document {
	r.mu.Lock()
	defer r.mu.Unlock()
	return cloneDoc(r.docs[id])
}

// recordingQueue collects published jobs; drain runs them one by one.
type recordingQueue struct {
	mu         sync.Mutex
	jobs       []ports.StepJob
	published  []ports.StepJob
	publishErr error
}

func (q *recordingQueue) PublishStep(_ context.Context, job ports.StepJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.publishErr != nil {
		return q.publishErr
	}
	q.jobs = append(q.jobs, job)
	q.published = append(q.published, job)
	return nil
}

func (q *recordingQueue) SubscribeSteps(context.Context, func(context.Context, ports.StepJob) error) error {
	return errors.New("not supported")
}

func (q *recordingQueue) pop() (ports.StepJob, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.jobs) == 0 {
		return ports.StepJob{}, false
	}
	job := q.jobs[0]
	q.jobs = q.jobs[1:]
	return job, true
}

func (q *recordingQueue) steps() []domain.Step {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]domain.Step, 0, len(q.published))
	for _, j := range q.published {
		out = append(out, j.Step)
	}
	return out
}

// memChunks is an in-memory ChunkIndex.
type memChunks struct {
	mu         sync.Mutex
	rows       []domain.ChunkEntry
	deleted    []string
	nearest    []domain.RetrievedChunk
	keyword    []domain.RetrievedChunk
	tokens     []string
	insertErr  error
	neighbours int
}

func (c *memChunks) DeleteByDocument(_ context.Context, documentID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deleted = append(c.deleted, documentID)
	kept := c.rows[:0]
	for _, row := range c.rows {
		if row.DocumentID != documentID {
			kept = append(kept, row)
		}
	}
	c.rows = kept
	return nil
}

func (c *memChunks) Insert(_ context.Context, chunks []domain.ChunkEntry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.insertErr != nil {
		return c.insertErr
	}
	c.rows = append(c.rows, chunks...)
	return nil
}

func (c *memChunks) SearchNearest(context.Context, []float32, int, domain.ChunkFilter) ([]domain.RetrievedChunk, error) {
	return c.nearest, nil
}

func (c *memChunks) SearchKeyword(_ context.Context, tokens []string, _ int, _ domain.ChunkFilter) ([]domain.RetrievedChunk, error) {
	c.tokens = tokens
	return c.keyword, nil
}

func (c *memChunks) Neighbors(_ context.Context, documentID string, from, to int) ([]domain.RetrievedChunk, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.neighbours++
	var out []domain.RetrievedChunk
	for _, row := range c.rows {
		if row.DocumentID == documentID && row.ChunkIndex >= from && row.ChunkIndex <= to {
			out = append(out, domain.RetrievedChunk{DocumentID: row.DocumentID, ChunkIndex: row.ChunkIndex, Text: row.Text})
		}
	}
	return out, nil
}

func (c *memChunks) count(documentID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, row := range c.rows {
		if row.DocumentID == documentID {
			n++
		}
	}
	return n
}

// memStorage is an in-memory ObjectStorage.
type memStorage struct {
	mu      sync.Mutex
	objects map[string][]byte
	prefix  []string
}

func newMemStorage() *memStorage {
	return &memStorage{objects: make(map[string][]byte)}
}

func (s *memStorage) Save(_ context.Context, key string, data io.Reader) error {
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = b
	return nil
}

func (s *memStorage) Open(_ context.Context, key string) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.objects[key]
	if !ok {
		return nil, domain.WrapError(domain.ErrObjectNotFound, "open", errors.New(key))
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (s *memStorage) Exists(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.objects[key]
	return ok, nil
}

func (s *memStorage) DeletePrefix(_ context.Context, prefix string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prefix = append(s.prefix, prefix)
	for key := range s.objects {
		if strings.HasPrefix(key, prefix+"/") {
			delete(s.objects, key)
		}
	}
	return nil
}

// pageConverterFake writes pages page-1..n into outDir.
type pageConverterFake struct {
	pages int
	ext   string
	err   error
	calls int
}

func (f *pageConverterFake) Render(_ context.Context, _ string, extension, outDir string) (domain.RenderedPages, error) {
	f.calls++
	if f.err != nil {
		return domain.RenderedPages{}, f.err
	}
	ext := f.ext
	if ext == "" {
		ext = "png"
	}
	pages := f.pages
	if domain.IsImageExtension(extension) {
		pages, ext = 1, extension
	}
	out := domain.RenderedPages{Extension: ext}
	for i := 1; i <= pages; i++ {
		p := filepath.Join(outDir, fmt.Sprintf("page-%d.%s", i, ext))
		if err := os.WriteFile(p, []byte(fmt.Sprintf("page %d", i)), 0o644); err != nil {
			return domain.RenderedPages{}, err
		}
		out.Pages = append(out.Pages, p)
	}
	return out, nil
}

type extractorFake struct {
	text  string
	err   error
	pages []domain.PageImage
}

func (f *extractorFake) ExtractText(_ context.Context, pages []domain.PageImage) (string, error) {
	f.pages = pages
	if f.err != nil {
		return "", f.err
	}
	return f.text, nil
}

type analyzerFake struct {
	data map[string]any
	err  error
}

func (f *analyzerFake) Analyze(context.Context, string) (map[string]any, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.data, nil
}

// embedderFake returns one vector per input unless skip lists a batch index to drop.
type embedderFake struct {
	batches [][]string
	skip    map[int]bool
	err     error
	query   []float32
}

func (f *embedderFake) Embed(_ context.Context, texts []string) ([]domain.Embedding, error) {
	f.batches = append(f.batches, texts)
	if f.err != nil {
		return nil, f.err
	}
	out := make([]domain.Embedding, 0, len(texts))
	for i := len(texts) - 1; i >= 0; i-- {
		if f.skip[i] {
			continue
		}
		out = append(out, domain.Embedding{Index: i, Vector: []float32{float32(len(texts[i])), 1}})
	}
	return out, nil
}

func (f *embedderFake) EmbedQuery(context.Context, string) ([]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.query, nil
}

func (f *embedderFake) Model() string { return "embed-test" }

type generatorFake struct {
	answer   string
	err      error
	calls    int
	question string
	context  string
}

func (f *generatorFake) GenerateAnswer(_ context.Context, question, contextText string) (string, error) {
	f.calls++
	f.question = question
	f.context = contextText
	if f.err != nil {
		return "", f.err
	}
	return f.answer, nil
}

type pipelineFake struct {
	mu       sync.Mutex
	advanced []string
	started  []string
	restarts []string
	err      error
	failIDs  map[string]bool
}

func (f *pipelineFake) Advance(_ context.Context, id string, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.advanced = append(f.advanced, id)
	return f.err
}

func (f *pipelineFake) StartMissing(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failIDs[id] {
		return errors.New("start failed")
	}
	f.started = append(f.started, id)
	return nil
}

func (f *pipelineFake) RestartFull(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failIDs[id] {
		return errors.New("restart failed")
	}
	f.restarts = append(f.restarts, id)
	return nil
}
