package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aosanya/workflowcore/internal/config"
	"github.com/aosanya/workflowcore/internal/execution"
	"github.com/aosanya/workflowcore/internal/scheduler"
	"github.com/aosanya/workflowcore/internal/workflow"
	driver "github.com/arangodb/go-driver"
	driverhttp "github.com/arangodb/go-driver/http"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

const (
	workflowsCollection  = "workflows"
	executionsCollection = "executions"
	schedulesCollection  = "schedule_entries"
	firesCollection      = "fires"
	leasesCollection     = "scheduler_leases"

	leaseKey = "singleton"
)

// ArangoStore is the durable store: one ArangoDB-backed type
// implementing workflow.Repository, execution.Store, and
// scheduler.Repository together.
type ArangoStore struct {
	db     driver.Database
	logger *log.Logger
}

// OpenArangoStore dials ArangoDB from cfg, creates the database when it
// does not exist yet, and returns a store with its collections and
// indexes ensured. The underlying HTTP connection holds no state that
// needs an explicit close.
func OpenArangoStore(ctx context.Context, cfg *config.DatabaseConfig, logger *log.Logger) (*ArangoStore, error) {
	conn, err := driverhttp.NewConnection(driverhttp.ConnectionConfig{
		Endpoints: []string{fmt.Sprintf("http://%s:%d", cfg.Host, cfg.Port)},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create connection: %w", err)
	}

	client, err := driver.NewClient(driver.ClientConfig{
		Connection:     conn,
		Authentication: driver.BasicAuthentication(cfg.Username, cfg.Password),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create client: %w", err)
	}

	if _, err := client.Version(ctx); err != nil {
		logger.WithError(err).Warn("arangodb version check failed, continuing")
	}

	exists, err := client.DatabaseExists(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to check database existence: %w", err)
	}
	var db driver.Database
	if exists {
		db, err = client.Database(ctx, cfg.Database)
	} else {
		db, err = client.CreateDatabase(ctx, cfg.Database, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open database %q: %w", cfg.Database, err)
	}

	logger.WithFields(log.Fields{
		"host":     cfg.Host,
		"port":     cfg.Port,
		"database": cfg.Database,
	}).Info("connected to ArangoDB")

	return NewArangoStore(ctx, db, logger)
}

// NewArangoStore builds an ArangoStore around an already-open database
// handle and ensures its collections and indexes exist.
func NewArangoStore(ctx context.Context, db driver.Database, logger *log.Logger) (*ArangoStore, error) {
	s := &ArangoStore{db: db, logger: logger}
	if err := s.ensureCollections(ctx); err != nil {
		return nil, fmt.Errorf("failed to ensure collections: %w", err)
	}
	return s, nil
}

func (s *ArangoStore) ensureCollections(ctx context.Context) error {
	for _, name := range []string{workflowsCollection, executionsCollection, schedulesCollection, firesCollection, leasesCollection} {
		if err := s.ensureCollection(ctx, name); err != nil {
			return err
		}
	}

	workflowsCol, err := s.db.Collection(ctx, workflowsCollection)
	if err != nil {
		return err
	}
	if _, _, err := workflowsCol.EnsurePersistentIndex(ctx, []string{"id", "version"}, &driver.EnsurePersistentIndexOptions{
		Name: "idx_workflows_id_version", Unique: true,
	}); err != nil {
		return fmt.Errorf("failed to create workflows id/version index: %w", err)
	}

	executionsCol, err := s.db.Collection(ctx, executionsCollection)
	if err != nil {
		return err
	}
	if _, _, err := executionsCol.EnsurePersistentIndex(ctx, []string{"workflowId", "status"}, &driver.EnsurePersistentIndexOptions{
		Name: "idx_executions_workflow_status",
	}); err != nil {
		return fmt.Errorf("failed to create executions workflow/status index: %w", err)
	}

	firesCol, err := s.db.Collection(ctx, firesCollection)
	if err != nil {
		return err
	}
	if _, _, err := firesCol.EnsurePersistentIndex(ctx, []string{"workflowId", "dedupKey"}, &driver.EnsurePersistentIndexOptions{
		Name: "idx_fires_workflow_dedup", Unique: true,
	}); err != nil {
		return fmt.Errorf("failed to create fires dedup index: %w", err)
	}

	return nil
}

func (s *ArangoStore) ensureCollection(ctx context.Context, name string) error {
	exists, err := s.db.CollectionExists(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to check collection %q existence: %w", name, err)
	}
	if exists {
		return nil
	}
	if _, err := s.db.CreateCollection(ctx, name, nil); err != nil {
		return fmt.Errorf("failed to create collection %q: %w", name, err)
	}
	s.logger.WithField("collection", name).Info("created ArangoDB collection")
	return nil
}

// --- workflow.Repository ---

// workflowDoc is the on-disk shape for one version of a Workflow; _key
// encodes id+version so multiple versions of the same workflow coexist.
type workflowDoc struct {
	Key string `json:"_key"`
	workflow.Workflow
}

func workflowDocKey(id string, version int) string {
	return fmt.Sprintf("%s_v%d", sanitizeKey(id), version)
}

func sanitizeKey(s string) string {
	r := strings.NewReplacer("/", "_", ":", "_", " ", "_")
	return r.Replace(s)
}

func (s *ArangoStore) Create(ctx context.Context, wf *workflow.Workflow) error {
	if wf.ID == "" {
		wf.ID = uuid.NewString()
	}
	col, err := s.db.Collection(ctx, workflowsCollection)
	if err != nil {
		return err
	}
	doc := workflowDoc{Key: workflowDocKey(wf.ID, wf.Version), Workflow: *wf}
	if _, err := col.CreateDocument(ctx, doc); err != nil {
		return fmt.Errorf("failed to create workflow document: %w", err)
	}
	return nil
}

func (s *ArangoStore) Get(ctx context.Context, id string) (*workflow.Workflow, error) {
	query := `
		FOR w IN @@collection
		FILTER w.id == @id
		SORT w.version DESC
		LIMIT 1
		RETURN w
	`
	return s.queryOneWorkflow(ctx, query, map[string]interface{}{"@collection": workflowsCollection, "id": id})
}

func (s *ArangoStore) GetVersion(ctx context.Context, id string, version int) (*workflow.Workflow, error) {
	col, err := s.db.Collection(ctx, workflowsCollection)
	if err != nil {
		return nil, err
	}
	var doc workflowDoc
	if _, err := col.ReadDocument(ctx, workflowDocKey(id, version), &doc); err != nil {
		if driver.IsNotFound(err) {
			return nil, fmt.Errorf("workflow version not found: %s v%d", id, version)
		}
		return nil, fmt.Errorf("failed to read workflow version: %w", err)
	}
	wf := doc.Workflow
	return &wf, nil
}

func (s *ArangoStore) Update(ctx context.Context, wf *workflow.Workflow) error {
	col, err := s.db.Collection(ctx, workflowsCollection)
	if err != nil {
		return err
	}
	wf.UpdatedAt = time.Now().UTC()
	doc := workflowDoc{Key: workflowDocKey(wf.ID, wf.Version), Workflow: *wf}
	if _, err := col.UpdateDocument(ctx, doc.Key, doc); err != nil {
		if driver.IsNotFound(err) {
			return fmt.Errorf("workflow version not found: %s v%d", wf.ID, wf.Version)
		}
		return fmt.Errorf("failed to update workflow: %w", err)
	}
	return nil
}

func (s *ArangoStore) List(ctx context.Context) ([]*workflow.Workflow, error) {
	query := `
		FOR w IN @@collection
		COLLECT id = w.id INTO versions
		LET latest = (
			FOR v IN versions[*].w SORT v.version DESC LIMIT 1 RETURN v
		)[0]
		RETURN latest
	`
	cursor, err := s.db.Query(ctx, query, map[string]interface{}{"@collection": workflowsCollection})
	if err != nil {
		return nil, fmt.Errorf("failed to query workflows: %w", err)
	}
	defer cursor.Close()

	var out []*workflow.Workflow
	for {
		var doc workflow.Workflow
		if _, err := cursor.ReadDocument(ctx, &doc); driver.IsNoMoreDocuments(err) {
			break
		} else if err != nil {
			return nil, fmt.Errorf("failed to read workflow document: %w", err)
		}
		wf := doc
		out = append(out, &wf)
	}
	return out, nil
}

func (s *ArangoStore) IsReferencedByActiveExecution(ctx context.Context, id string) (bool, error) {
	query := `
		FOR e IN @@collection
		FILTER e.workflowId == @id AND e.status IN @active
		LIMIT 1
		RETURN e
	`
	cursor, err := s.db.Query(ctx, query, map[string]interface{}{
		"@collection": executionsCollection,
		"id":          id,
		"active":      []string{string(execution.StatusPending), string(execution.StatusRunning)},
	})
	if err != nil {
		return false, fmt.Errorf("failed to query active executions: %w", err)
	}
	defer cursor.Close()
	return cursor.HasMore(), nil
}

func (s *ArangoStore) queryOneWorkflow(ctx context.Context, query string, bindVars map[string]interface{}) (*workflow.Workflow, error) {
	cursor, err := s.db.Query(ctx, query, bindVars)
	if err != nil {
		return nil, fmt.Errorf("failed to query workflow: %w", err)
	}
	defer cursor.Close()
	if !cursor.HasMore() {
		return nil, fmt.Errorf("workflow not found")
	}
	var doc workflow.Workflow
	if _, err := cursor.ReadDocument(ctx, &doc); err != nil {
		return nil, fmt.Errorf("failed to read workflow document: %w", err)
	}
	return &doc, nil
}

// --- execution.Store ---

func (s *ArangoStore) CreateExecution(ctx context.Context, exec *execution.Execution) error {
	if exec.ID == "" {
		exec.ID = uuid.NewString()
	}
	col, err := s.db.Collection(ctx, executionsCollection)
	if err != nil {
		return err
	}
	doc := executionDoc{Key: exec.ID, Execution: *exec}
	if _, err := col.CreateDocument(ctx, doc); err != nil {
		return fmt.Errorf("failed to create execution: %w", err)
	}
	return nil
}

// executionDoc pins _key to the execution ID so updates are simple
// document replaces keyed by the same _key.
type executionDoc struct {
	Key string `json:"_key"`
	execution.Execution
}

func (s *ArangoStore) UpdateExecutionStatus(ctx context.Context, exec *execution.Execution) error {
	col, err := s.db.Collection(ctx, executionsCollection)
	if err != nil {
		return err
	}
	doc := executionDoc{Key: exec.ID, Execution: *exec}
	if _, err := col.UpdateDocument(ctx, exec.ID, doc); err != nil {
		return fmt.Errorf("failed to update execution status: %w", err)
	}
	return nil
}

// UpsertTaskState does a read-modify-write of the owning execution
// document. One execution is owned by exactly one runtime, so this is
// never contended across processes.
func (s *ArangoStore) UpsertTaskState(ctx context.Context, executionID string, ts *execution.TaskState) error {
	col, err := s.db.Collection(ctx, executionsCollection)
	if err != nil {
		return err
	}

	var doc executionDoc
	if _, err := col.ReadDocument(ctx, executionID, &doc); err != nil {
		return fmt.Errorf("failed to read execution %s: %w", executionID, err)
	}

	if doc.TaskStates == nil {
		doc.TaskStates = map[string]*execution.TaskState{}
	}
	if existing, ok := doc.TaskStates[ts.Name]; ok && existing.IsTerminal() {
		return fmt.Errorf("task %q is already terminal, write rejected", ts.Name)
	}
	doc.TaskStates[ts.Name] = ts

	if _, err := col.UpdateDocument(ctx, executionID, doc); err != nil {
		return fmt.Errorf("failed to persist task state: %w", err)
	}
	return nil
}

func (s *ArangoStore) GetExecution(ctx context.Context, executionID string) (*execution.Execution, error) {
	col, err := s.db.Collection(ctx, executionsCollection)
	if err != nil {
		return nil, err
	}
	var doc executionDoc
	if _, err := col.ReadDocument(ctx, executionID, &doc); err != nil {
		if driver.IsNotFound(err) {
			return nil, fmt.Errorf("execution not found: %s", executionID)
		}
		return nil, fmt.Errorf("failed to read execution: %w", err)
	}
	exec := doc.Execution
	return &exec, nil
}

func (s *ArangoStore) ListReadyTaskCandidates(ctx context.Context, executionID string) ([]string, error) {
	exec, err := s.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	var out []string
	for name, ts := range exec.TaskStates {
		if ts.Status == execution.TaskPending || ts.Status == execution.TaskReady {
			out = append(out, name)
		}
	}
	return out, nil
}

func (s *ArangoStore) ListExecutions(ctx context.Context) ([]*execution.Execution, error) {
	query := `FOR e IN @@collection RETURN e`
	cursor, err := s.db.Query(ctx, query, map[string]interface{}{"@collection": executionsCollection})
	if err != nil {
		return nil, fmt.Errorf("failed to query executions: %w", err)
	}
	defer cursor.Close()

	var out []*execution.Execution
	for {
		var doc execution.Execution
		if _, err := cursor.ReadDocument(ctx, &doc); driver.IsNoMoreDocuments(err) {
			break
		} else if err != nil {
			return nil, fmt.Errorf("failed to read execution document: %w", err)
		}
		e := doc
		out = append(out, &e)
	}
	return out, nil
}

// --- scheduler.Repository ---

type scheduleDoc struct {
	Key string `json:"_key"`
	scheduler.ScheduleEntry
}

func (s *ArangoStore) ListEnabled(ctx context.Context) ([]*scheduler.ScheduleEntry, error) {
	query := `
		FOR e IN @@collection
		FILTER e.Enabled == true
		RETURN e
	`
	cursor, err := s.db.Query(ctx, query, map[string]interface{}{"@collection": schedulesCollection})
	if err != nil {
		return nil, fmt.Errorf("failed to query schedule entries: %w", err)
	}
	defer cursor.Close()

	var out []*scheduler.ScheduleEntry
	for {
		var doc scheduler.ScheduleEntry
		if _, err := cursor.ReadDocument(ctx, &doc); driver.IsNoMoreDocuments(err) {
			break
		} else if err != nil {
			return nil, fmt.Errorf("failed to read schedule entry: %w", err)
		}
		e := doc
		out = append(out, &e)
	}
	return out, nil
}

func (s *ArangoStore) Upsert(ctx context.Context, entry *scheduler.ScheduleEntry) error {
	col, err := s.db.Collection(ctx, schedulesCollection)
	if err != nil {
		return err
	}
	key := sanitizeKey(entry.WorkflowID)
	doc := scheduleDoc{Key: key, ScheduleEntry: *entry}

	exists, err := col.DocumentExists(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to check schedule entry existence: %w", err)
	}
	if exists {
		_, err = col.UpdateDocument(ctx, key, doc)
	} else {
		_, err = col.CreateDocument(ctx, doc)
	}
	if err != nil {
		return fmt.Errorf("failed to upsert schedule entry: %w", err)
	}
	return nil
}

func (s *ArangoStore) AdvanceNextFire(ctx context.Context, workflowID string, next time.Time, missed int) error {
	col, err := s.db.Collection(ctx, schedulesCollection)
	if err != nil {
		return err
	}
	patch := map[string]interface{}{"NextFireAt": next, "MissedCount": missed}
	if _, err := col.UpdateDocument(ctx, sanitizeKey(workflowID), patch); err != nil {
		return fmt.Errorf("failed to advance nextFireAt: %w", err)
	}
	return nil
}

type leaseDoc struct {
	Key       string    `json:"_key"`
	HolderID  string    `json:"holderId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// AcquireLease implements the single scheduler lease row: at most one
// holder at a time, TTL'd rather than a consensus protocol.
func (s *ArangoStore) AcquireLease(ctx context.Context, holderID string, ttl time.Duration) (bool, error) {
	col, err := s.db.Collection(ctx, leasesCollection)
	if err != nil {
		return false, err
	}

	now := time.Now().UTC()
	var existing leaseDoc
	_, err = col.ReadDocument(ctx, leaseKey, &existing)
	if driver.IsNotFound(err) {
		doc := leaseDoc{Key: leaseKey, HolderID: holderID, ExpiresAt: now.Add(ttl)}
		if _, err := col.CreateDocument(ctx, doc); err != nil {
			return false, fmt.Errorf("failed to create scheduler lease: %w", err)
		}
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read scheduler lease: %w", err)
	}

	if existing.HolderID != holderID && now.Before(existing.ExpiresAt) {
		return false, nil
	}

	doc := leaseDoc{Key: leaseKey, HolderID: holderID, ExpiresAt: now.Add(ttl)}
	if _, err := col.UpdateDocument(ctx, leaseKey, doc); err != nil {
		return false, fmt.Errorf("failed to renew scheduler lease: %w", err)
	}
	return true, nil
}

func (s *ArangoStore) RenewLease(ctx context.Context, holderID string, ttl time.Duration) (bool, error) {
	col, err := s.db.Collection(ctx, leasesCollection)
	if err != nil {
		return false, err
	}
	var existing leaseDoc
	_, err = col.ReadDocument(ctx, leaseKey, &existing)
	if driver.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read scheduler lease: %w", err)
	}
	if existing.HolderID != holderID {
		return false, nil
	}
	doc := leaseDoc{Key: leaseKey, HolderID: holderID, ExpiresAt: time.Now().UTC().Add(ttl)}
	if _, err := col.UpdateDocument(ctx, leaseKey, doc); err != nil {
		return false, fmt.Errorf("failed to renew scheduler lease: %w", err)
	}
	return true, nil
}

func (s *ArangoStore) ReleaseLease(ctx context.Context, holderID string) error {
	col, err := s.db.Collection(ctx, leasesCollection)
	if err != nil {
		return err
	}
	var existing leaseDoc
	_, err = col.ReadDocument(ctx, leaseKey, &existing)
	if driver.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read scheduler lease: %w", err)
	}
	if existing.HolderID != holderID {
		return nil
	}
	_, err = col.RemoveDocument(ctx, leaseKey)
	if err != nil && !driver.IsNotFound(err) {
		return fmt.Errorf("failed to release scheduler lease: %w", err)
	}
	return nil
}

type fireDoc struct {
	Key        string `json:"_key"`
	WorkflowID string `json:"workflowId"`
	DedupKey   string `json:"dedupKey"`
}

// TryRecordFire relies on the unique (workflowId, dedupKey) index created
// in ensureCollections: a conflicting insert means this slot already
// fired.
func (s *ArangoStore) TryRecordFire(ctx context.Context, workflowID, dedupKey string) (bool, error) {
	col, err := s.db.Collection(ctx, firesCollection)
	if err != nil {
		return false, err
	}
	doc := fireDoc{
		Key:        sanitizeKey(fmt.Sprintf("%s__%s", workflowID, dedupKey)),
		WorkflowID: workflowID,
		DedupKey:   dedupKey,
	}
	_, err = col.CreateDocument(ctx, doc)
	if err == nil {
		return true, nil
	}
	if driver.IsConflict(err) || driver.IsPreconditionFailed(err) {
		return false, nil
	}
	return false, fmt.Errorf("failed to record fire: %w", err)
}
