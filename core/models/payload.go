package models

// PayloadVersion is the current version of the serialized job payload
const PayloadVersion = 1

// JobPayload is the opaque work description carried unchanged from
// submission to the worker. It is serialized at the storage boundary only.
type JobPayload struct {
	Version     int               `json:"version" yaml:"-"`
	Command     string            `json:"command" yaml:"command"`
	Arguments   []string          `json:"arguments" yaml:"arguments"`
	Environment map[string]string `json:"environment" yaml:"environment"`
	Compression bool              `json:"compression" yaml:"compression"`
	Storage     StorageSpec       `json:"storage" yaml:"storage"`
}

// StorageSpec describes where a worker syncs files from and to. Exactly one of
// Sync or Buckets is set on a validated payload.
type StorageSpec struct {
	Sync    *SyncSpec     `json:"sync,omitempty" yaml:"sync,omitempty"`
	Buckets *BucketLayout `json:"buckets,omitempty" yaml:"buckets,omitempty"`
}

// BucketLayout is the fixed input/checkpoint/output bucket configuration
type BucketLayout struct {
	InputBucket      string `json:"input_bucket" yaml:"input_bucket"`
	InputPrefix      string `json:"input_prefix" yaml:"input_prefix"`
	CheckpointBucket string `json:"checkpoint_bucket" yaml:"checkpoint_bucket"`
	CheckpointPrefix string `json:"checkpoint_prefix" yaml:"checkpoint_prefix"`
	OutputBucket     string `json:"output_bucket" yaml:"output_bucket"`
	OutputPrefix     string `json:"output_prefix" yaml:"output_prefix"`
}

// SyncSpec lists sync steps run before, during and after the job
type SyncSpec struct {
	Before []SyncConfig `json:"before,omitempty" yaml:"before,omitempty"`
	During []SyncConfig `json:"during,omitempty" yaml:"during,omitempty"`
	After  []SyncConfig `json:"after,omitempty" yaml:"after,omitempty"`
}

// SyncDirection is the transfer direction of a sync step
type SyncDirection string

const (
	SyncDownload SyncDirection = "download"
	SyncUpload   SyncDirection = "upload"
)

// SyncConfig is a single bucket <-> local path sync step
type SyncConfig struct {
	Bucket    string        `json:"bucket" yaml:"bucket"`
	Prefix    string        `json:"prefix" yaml:"prefix"`
	LocalPath string        `json:"local_path" yaml:"local_path"`
	Direction SyncDirection `json:"direction" yaml:"direction"`
	Pattern   string        `json:"pattern,omitempty" yaml:"pattern,omitempty"`
}

// Clone returns a deep copy of the payload
func (p JobPayload) Clone() JobPayload {
	c := p
	if p.Arguments != nil {
		c.Arguments = append([]string(nil), p.Arguments...)
	}
	if p.Environment != nil {
		c.Environment = make(map[string]string, len(p.Environment))
		for k, v := range p.Environment {
			c.Environment[k] = v
		}
	}
	if p.Storage.Buckets != nil {
		b := *p.Storage.Buckets
		c.Storage.Buckets = &b
	}
	if p.Storage.Sync != nil {
		s := SyncSpec{
			Before: append([]SyncConfig(nil), p.Storage.Sync.Before...),
			During: append([]SyncConfig(nil), p.Storage.Sync.During...),
			After:  append([]SyncConfig(nil), p.Storage.Sync.After...),
		}
		c.Storage.Sync = &s
	}
	return c
}
