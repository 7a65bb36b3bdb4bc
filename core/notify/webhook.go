// Package notify delivers job status changes to tenant webhooks.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	log "github.com/sirupsen/logrus"

	"job-broker/core/models"
)

// Notification is one job status change
type Notification struct {
	JobID    string
	Owner    string
	WorkerID string
	GroupID  string
	Status   models.JobStatus
	Webhook  string
}

// NotificationFor builds the notification for job's current status
func NotificationFor(job *models.Job, workerID string) Notification {
	return Notification{
		JobID:    job.ID,
		Owner:    job.Owner,
		WorkerID: workerID,
		GroupID:  job.GroupID,
		Status:   job.Status,
		Webhook:  job.Webhook,
	}
}

// Notifier is fire-and-forget: Notify never blocks on delivery and never
// reports delivery errors to the caller.
type Notifier interface {
	Notify(n Notification)
}

type webhookBody struct {
	Status           models.JobStatus `json:"status"`
	JobID            string           `json:"job_id"`
	MachineID        string           `json:"machine_id"`
	ContainerGroupID string           `json:"container_group_id"`
}

// WebhookNotifier POSTs each notification to the job's webhook URL
type WebhookNotifier struct {
	client *resty.Client
	wg     sync.WaitGroup
}

// NewWebhookNotifier creates a notifier whose deliveries give up after timeout
func NewWebhookNotifier(timeout time.Duration) *WebhookNotifier {
	client := resty.New()
	client.SetTimeout(timeout)
	client.SetRetryCount(2)
	client.SetRetryWaitTime(500 * time.Millisecond)
	client.SetRetryMaxWaitTime(2 * time.Second)
	client.SetHeader("Content-Type", "application/json")

	return &WebhookNotifier{client: client}
}

func (w *WebhookNotifier) Notify(n Notification) {
	if n.Webhook == "" {
		return
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.deliver(context.Background(), n)
	}()
}

// Wait blocks until all in-flight deliveries have finished
func (w *WebhookNotifier) Wait() {
	w.wg.Wait()
}

func (w *WebhookNotifier) deliver(ctx context.Context, n Notification) {
	logger := log.WithFields(log.Fields{"job_id": n.JobID, "worker_id": n.WorkerID, "group_id": n.GroupID})

	resp, err := w.client.R().
		SetContext(ctx).
		SetBody(webhookBody{
			Status:           n.Status,
			JobID:            n.JobID,
			MachineID:        n.WorkerID,
			ContainerGroupID: n.GroupID,
		}).
		Post(n.Webhook)
	if err != nil {
		logger.WithError(err).Warn("Webhook delivery failed")
		return
	}
	if resp.IsError() {
		logger.Warnf("Webhook returned %s", resp.Status())
		return
	}
	logger.Debugf("Delivered %s webhook", n.Status)
}

// Nop discards every notification
type Nop struct{}

func (Nop) Notify(Notification) {}
