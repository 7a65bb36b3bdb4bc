// Package spec parses and validates job submissions.
package spec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"mime"
	"net/url"
	"strings"

	"gopkg.in/yaml.v3"

	"job-broker/core/brokererr"
	"job-broker/core/models"
)

// Submission is a job as submitted by a tenant, in JSON or YAML
type Submission struct {
	GroupID           string            `json:"group_id" yaml:"group_id"`
	Command           string            `json:"command" yaml:"command"`
	Arguments         []string          `json:"arguments" yaml:"arguments"`
	Environment       map[string]string `json:"environment" yaml:"environment"`
	Compression       bool              `json:"compression" yaml:"compression"`
	Webhook           string            `json:"webhook" yaml:"webhook"`
	MaxFailures       *int              `json:"max_failures" yaml:"max_failures"`
	HeartbeatInterval *int              `json:"heartbeat_interval" yaml:"heartbeat_interval"`

	Sync *models.SyncSpec `json:"sync" yaml:"sync"`

	InputBucket      string `json:"input_bucket" yaml:"input_bucket"`
	InputPrefix      string `json:"input_prefix" yaml:"input_prefix"`
	CheckpointBucket string `json:"checkpoint_bucket" yaml:"checkpoint_bucket"`
	CheckpointPrefix string `json:"checkpoint_prefix" yaml:"checkpoint_prefix"`
	OutputBucket     string `json:"output_bucket" yaml:"output_bucket"`
	OutputPrefix     string `json:"output_prefix" yaml:"output_prefix"`
}

// Defaults fills fields a submission may omit
type Defaults struct {
	MaxFailures       int
	HeartbeatInterval int // Seconds
}

// Validated is a normalised submission ready to become a job
type Validated struct {
	GroupID           string
	Payload           models.JobPayload
	Webhook           string
	MaxFailures       int
	HeartbeatInterval int
}

// ParseSubmission decodes a single submission. YAML is used when the content
// type says so, JSON otherwise.
func ParseSubmission(body []byte, contentType string) (Submission, error) {
	var sub Submission
	if err := decode(body, contentType, &sub); err != nil {
		return Submission{}, err
	}
	return sub, nil
}

// ParseBatch decodes a list of submissions
func ParseBatch(body []byte, contentType string) ([]Submission, error) {
	var subs []Submission
	if err := decode(body, contentType, &subs); err != nil {
		return nil, err
	}
	return subs, nil
}

func decode(body []byte, contentType string, out interface{}) error {
	if isYAML(contentType) {
		if err := yaml.Unmarshal(body, out); err != nil {
			return brokererr.InvalidRequest("failed to parse YAML: %v", err)
		}
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return brokererr.InvalidRequest("failed to parse JSON: %v", err)
	}
	return nil
}

func isYAML(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mediaType == "application/yaml" || mediaType == "application/x-yaml" || mediaType == "text/yaml"
}

// Validate checks a submission and returns its normalised form. The
// submission itself is not modified.
func Validate(sub Submission, defaults Defaults) (*Validated, error) {
	if strings.TrimSpace(sub.GroupID) == "" {
		return nil, brokererr.InvalidRequest("group_id is required")
	}
	if strings.TrimSpace(sub.Command) == "" {
		return nil, brokererr.InvalidRequest("command is required")
	}

	v := &Validated{
		GroupID:           sub.GroupID,
		Webhook:           sub.Webhook,
		MaxFailures:       defaults.MaxFailures,
		HeartbeatInterval: defaults.HeartbeatInterval,
	}
	if sub.MaxFailures != nil {
		if *sub.MaxFailures < 1 {
			return nil, brokererr.InvalidRequest("max_failures must be at least 1")
		}
		v.MaxFailures = *sub.MaxFailures
	}
	if sub.HeartbeatInterval != nil {
		if *sub.HeartbeatInterval < 1 {
			return nil, brokererr.InvalidRequest("heartbeat_interval must be at least 1 second")
		}
		v.HeartbeatInterval = *sub.HeartbeatInterval
	}
	if sub.Webhook != "" {
		if err := validateWebhook(sub.Webhook); err != nil {
			return nil, err
		}
	}

	storage, err := normalizeStorage(sub)
	if err != nil {
		return nil, err
	}

	payload := models.JobPayload{
		Version:     models.PayloadVersion,
		Command:     sub.Command,
		Arguments:   sub.Arguments,
		Environment: sub.Environment,
		Compression: sub.Compression,
		Storage:     storage,
	}
	if payload.Arguments == nil {
		payload.Arguments = []string{}
	}
	if payload.Environment == nil {
		payload.Environment = map[string]string{}
	}
	v.Payload = payload.Clone()
	return v, nil
}

func validateWebhook(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return brokererr.InvalidRequest("webhook must be an absolute http(s) URL")
	}
	return nil
}

// normalizeStorage enforces that exactly one of sync or the bucket layout is
// used and that every prefix ends with a slash
func normalizeStorage(sub Submission) (models.StorageSpec, error) {
	legacy := []string{sub.InputBucket, sub.InputPrefix, sub.CheckpointBucket, sub.CheckpointPrefix, sub.OutputBucket, sub.OutputPrefix}
	anyLegacy, allLegacy := false, true
	for _, field := range legacy {
		if field != "" {
			anyLegacy = true
		} else {
			allLegacy = false
		}
	}

	if sub.Sync != nil && anyLegacy {
		return models.StorageSpec{}, brokererr.InvalidRequest("cannot use both sync and bucket/prefix")
	}
	if sub.Sync == nil && !allLegacy {
		return models.StorageSpec{}, brokererr.InvalidRequest("must use either sync or bucket/prefix")
	}

	if sub.Sync == nil {
		return models.StorageSpec{Buckets: &models.BucketLayout{
			InputBucket:      sub.InputBucket,
			InputPrefix:      withSlash(sub.InputPrefix),
			CheckpointBucket: sub.CheckpointBucket,
			CheckpointPrefix: withSlash(sub.CheckpointPrefix),
			OutputBucket:     sub.OutputBucket,
			OutputPrefix:     withSlash(sub.OutputPrefix),
		}}, nil
	}

	before, err := normalizeSteps("before", sub.Sync.Before, models.SyncDownload)
	if err != nil {
		return models.StorageSpec{}, err
	}
	during, err := normalizeSteps("during", sub.Sync.During, models.SyncUpload)
	if err != nil {
		return models.StorageSpec{}, err
	}
	after, err := normalizeSteps("after", sub.Sync.After, models.SyncUpload)
	if err != nil {
		return models.StorageSpec{}, err
	}
	return models.StorageSpec{Sync: &models.SyncSpec{Before: before, During: during, After: after}}, nil
}

func normalizeSteps(phase string, steps []models.SyncConfig, want models.SyncDirection) ([]models.SyncConfig, error) {
	if len(steps) == 0 {
		return nil, nil
	}
	out := make([]models.SyncConfig, 0, len(steps))
	for i, step := range steps {
		if step.Bucket == "" || step.LocalPath == "" {
			return nil, brokererr.InvalidRequest("sync.%s[%d] requires bucket and local_path", phase, i)
		}
		if step.Direction != want {
			return nil, brokererr.InvalidRequest("sync.%s.direction must be %q", phase, want)
		}
		step.Prefix = withSlash(step.Prefix)
		out = append(out, step)
	}
	return out, nil
}

func withSlash(prefix string) string {
	if strings.HasSuffix(prefix, "/") {
		return prefix
	}
	return prefix + "/"
}

// ValidateBatch validates every submission before any is accepted. The
// error names the index of the first invalid submission.
func ValidateBatch(subs []Submission, defaults Defaults, limit int) ([]*Validated, error) {
	if len(subs) == 0 {
		return nil, brokererr.InvalidRequest("at least one job is required")
	}
	if limit > 0 && len(subs) > limit {
		return nil, brokererr.InvalidRequest("at most %d jobs may be submitted at once, got %d", limit, len(subs))
	}

	out := make([]*Validated, 0, len(subs))
	for i, sub := range subs {
		v, err := Validate(sub, defaults)
		if err != nil {
			return nil, brokererr.InvalidRequest("job %d: %s", i, brokererr.PublicMessage(err))
		}
		out = append(out, v)
	}
	return out, nil
}

// String renders a validated submission for logs
func (v *Validated) String() string {
	return fmt.Sprintf("group=%s command=%s max_failures=%d heartbeat_interval=%ds",
		v.GroupID, v.Payload.Command, v.MaxFailures, v.HeartbeatInterval)
}
