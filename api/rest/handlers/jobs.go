package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"job-broker/core/broker"
	"job-broker/core/brokererr"
	"job-broker/core/models"
	"job-broker/core/spec"
)

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	broker *broker.Service
}

// NewJobHandler creates a new job handler
func NewJobHandler(b *broker.Service) *JobHandler {
	return &JobHandler{broker: b}
}

// JobView is the JSON representation of a job
type JobView struct {
	ID                string            `json:"id"`
	Owner             string            `json:"owner"`
	GroupID           string            `json:"group_id"`
	Status            models.JobStatus  `json:"status"`
	Payload           models.JobPayload `json:"payload"`
	Webhook           string            `json:"webhook,omitempty"`
	HeartbeatInterval int               `json:"heartbeat_interval"`
	MaxFailures       int               `json:"max_failures"`
	NumFailures       int               `json:"num_failures"`
	NumHeartbeats     int               `json:"num_heartbeats"`
	OwningWorker      *string           `json:"machine_id,omitempty"`
	Heartbeat         *time.Time        `json:"heartbeat,omitempty"`
	Created           time.Time         `json:"created"`
	Started           *time.Time        `json:"started,omitempty"`
	Completed         *time.Time        `json:"completed,omitempty"`
	Failed            *time.Time        `json:"failed,omitempty"`
	Canceled          *time.Time        `json:"canceled,omitempty"`
}

func viewOf(job *models.Job) JobView {
	return JobView{
		ID:                job.ID,
		Owner:             job.Owner,
		GroupID:           job.GroupID,
		Status:            job.Status,
		Payload:           job.Payload,
		Webhook:           job.Webhook,
		HeartbeatInterval: job.HeartbeatInterval,
		MaxFailures:       job.MaxFailures,
		NumFailures:       job.NumFailures,
		NumHeartbeats:     job.NumHeartbeats,
		OwningWorker:      job.OwningWorker,
		Heartbeat:         job.Heartbeat,
		Created:           job.Created,
		Started:           job.Started,
		Completed:         job.Completed,
		Failed:            job.Failed,
		Canceled:          job.Canceled,
	}
}

func viewsOf(jobs []*models.Job) []JobView {
	views := make([]JobView, 0, len(jobs))
	for _, job := range jobs {
		views = append(views, viewOf(job))
	}
	return views
}

// workerRequest identifies the worker making a lease call. Salad workers
// send their machine id.
type workerRequest struct {
	WorkerID         string `json:"worker_id"`
	MachineID        string `json:"machine_id"`
	ContainerGroupID string `json:"container_group_id"`
}

func (w workerRequest) worker() string {
	if w.WorkerID != "" {
		return w.WorkerID
	}
	return w.MachineID
}

func decodeWorker(w http.ResponseWriter, r *http.Request) (string, error) {
	var req workerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		return "", err
	}
	if req.worker() == "" {
		return "", brokererr.InvalidRequest("worker_id is required")
	}
	return req.worker(), nil
}

// SubmitJob handles POST /v1/jobs
func (h *JobHandler) SubmitJob(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	sub, err := spec.ParseSubmission(body, r.Header.Get("Content-Type"))
	if err != nil {
		writeError(w, r, err)
		return
	}

	job, err := h.broker.SubmitJob(r.Context(), ownerFrom(r), sub)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, viewOf(job))
}

// SubmitJobs handles POST /v1/jobs/batch
func (h *JobHandler) SubmitJobs(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	subs, err := spec.ParseBatch(body, r.Header.Get("Content-Type"))
	if err != nil {
		writeError(w, r, err)
		return
	}

	jobs, err := h.broker.SubmitJobs(r.Context(), ownerFrom(r), subs)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, viewsOf(jobs))
}

// GetJob handles GET /v1/jobs/{id}
func (h *JobHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.broker.GetJob(r.Context(), ownerFrom(r), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(job))
}

// ListJobs handles GET /v1/jobs
func (h *JobHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	filter := models.JobFilter{GroupID: query.Get("group_id")}
	if s := query.Get("status"); s != "" {
		status := models.JobStatus(s)
		filter.Status = &status
	}

	var (
		page models.Page
		sort models.JobSort
		err  error
	)
	if page.Number, err = intParam(query.Get("page"), 1); err != nil {
		writeError(w, r, err)
		return
	}
	if page.Size, err = intParam(query.Get("page_size"), 0); err != nil {
		writeError(w, r, err)
		return
	}
	if asc := query.Get("asc"); asc != "" {
		if sort.Ascending, err = strconv.ParseBool(asc); err != nil {
			writeError(w, r, brokererr.InvalidRequest("asc must be a boolean"))
			return
		}
	}

	jobs, err := h.broker.ListJobs(r.Context(), ownerFrom(r), filter, sort, page)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewsOf(jobs))
}

func intParam(raw string, fallback int) (int, error) {
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, brokererr.InvalidRequest("invalid integer %q", raw)
	}
	return n, nil
}

// CancelJob handles DELETE /v1/jobs/{id}
func (h *JobHandler) CancelJob(w http.ResponseWriter, r *http.Request) {
	if err := h.broker.Cancel(r.Context(), ownerFrom(r), mux.Vars(r)["id"]); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": string(models.JobStatusCanceled)})
}

type eventView struct {
	At         time.Time          `json:"at"`
	FromStatus *models.JobStatus  `json:"from_status,omitempty"`
	ToStatus   models.JobStatus   `json:"to_status"`
	Reason     models.EventReason `json:"reason"`
	WorkerID   string             `json:"worker_id,omitempty"`
}

// GetJobEvents handles GET /v1/jobs/{id}/events
func (h *JobHandler) GetJobEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.broker.JobEvents(r.Context(), ownerFrom(r), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, err)
		return
	}

	items := make([]eventView, 0, len(events))
	for _, e := range events {
		items = append(items, eventView{At: e.At, FromStatus: e.FromStatus, ToStatus: e.ToStatus, Reason: e.Reason, WorkerID: e.WorkerID})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": items})
}

// Heartbeat handles POST /v1/jobs/{id}/heartbeat. A canceled status tells the
// worker to stop.
func (h *JobHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	workerID, err := decodeWorker(w, r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	status, err := h.broker.Heartbeat(r.Context(), ownerFrom(r), mux.Vars(r)["id"], workerID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(status)})
}

// ReportFailure handles POST /v1/jobs/{id}/failed
func (h *JobHandler) ReportFailure(w http.ResponseWriter, r *http.Request) {
	workerID, err := decodeWorker(w, r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.broker.ReportFailure(r.Context(), ownerFrom(r), mux.Vars(r)["id"], workerID); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"message": "failure recorded"})
}

// ReportCompletion handles POST /v1/jobs/{id}/completed
func (h *JobHandler) ReportCompletion(w http.ResponseWriter, r *http.Request) {
	workerID, err := decodeWorker(w, r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.broker.ReportCompletion(r.Context(), ownerFrom(r), mux.Vars(r)["id"], workerID); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "job completed"})
}

// LeaseWork handles GET /v1/work. The response is an empty list when there is
// nothing to do, or a list holding the leased job.
func (h *JobHandler) LeaseWork(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	workerID := query.Get("worker_id")
	if workerID == "" {
		workerID = query.Get("machine_id")
	}
	groupID := query.Get("group_id")
	if groupID == "" {
		groupID = query.Get("container_group_id")
	}

	job, err := h.broker.LeaseNext(r.Context(), ownerFrom(r), groupID, workerID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if job == nil {
		writeJSON(w, http.StatusOK, []JobView{})
		return
	}
	writeJSON(w, http.StatusOK, []JobView{viewOf(job)})
}
