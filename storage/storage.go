// Package storage persists the mention watermark between passes and restarts.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"cloud.google.com/go/storage"
	"github.com/codeGROOVE-dev/retry"
)

var checkpointNameRegex = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)

// Checkpoint is the persisted watermark document.
type Checkpoint struct {
	LastMentionID string    `json:"last_mention_id"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Store keeps a checkpoint in Cloud Storage, or in a local directory for development.
type Store struct {
	client    *storage.Client
	logger    *slog.Logger
	localPath string
	bucket    string
	key       string

	retryDelay time.Duration
}

// New creates a checkpoint store. When localPath is set the bucket is ignored.
func New(client *storage.Client, bucket, localPath, name string, logger *slog.Logger) (*Store, error) {
	key := CheckpointKey(name)
	if key == "" {
		return nil, fmt.Errorf("invalid checkpoint name %q", name)
	}
	if localPath == "" && (client == nil || bucket == "") {
		return nil, errors.New("either a local path or a storage client and bucket is required")
	}
	return &Store{
		client:     client,
		logger:     logger,
		localPath:  localPath,
		bucket:     bucket,
		key:        key,
		retryDelay: time.Second,
	}, nil
}

// CheckpointKey generates a stable object name for a checkpoint.
// Returns "" for names that could escape the storage prefix.
func CheckpointKey(name string) string {
	if !checkpointNameRegex.MatchString(name) {
		return ""
	}
	return fmt.Sprintf("checkpoint-%s.json", name)
}

// LastMentionID returns the stored watermark, or "" when none has been saved.
func (s *Store) LastMentionID(ctx context.Context) (string, error) {
	cp, err := s.load(ctx)
	if err != nil {
		return "", err
	}
	if cp == nil {
		return "", nil
	}
	return cp.LastMentionID, nil
}

// SetLastMentionID saves the watermark.
func (s *Store) SetLastMentionID(ctx context.Context, id string) error {
	data, err := json.MarshalIndent(Checkpoint{LastMentionID: id, UpdatedAt: time.Now().UTC()}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	// Local filesystem storage
	if s.localPath != "" {
		filePath := filepath.Join(s.localPath, s.key)
		tmpPath := filePath + ".tmp"
		if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
			return fmt.Errorf("write to local storage: %w", err)
		}
		if err := os.Rename(tmpPath, filePath); err != nil {
			return fmt.Errorf("replace local checkpoint: %w", err)
		}
		s.logger.Debug("Checkpoint saved to local storage", "path", filePath, "last_mention_id", id)
		return nil
	}

	// Cloud Storage with retry logic for reliability
	err = retry.Do(
		func() error {
			w := s.client.Bucket(s.bucket).Object(s.key).NewWriter(ctx)
			w.ContentType = "application/json"
			if _, writeErr := w.Write(data); writeErr != nil {
				if closeErr := w.Close(); closeErr != nil {
					s.logger.Warn("Failed to close writer after error", "error", closeErr)
				}
				return fmt.Errorf("write to storage: %w", writeErr)
			}
			if closeErr := w.Close(); closeErr != nil {
				return fmt.Errorf("close storage writer: %w", closeErr)
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(s.retryDelay),
		retry.MaxDelay(time.Minute),
		retry.MaxJitter(s.retryDelay),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, retryErr error) {
			s.logger.Info("Retrying checkpoint save after error", "attempt", n, "key", s.key, "error", retryErr)
		}),
	)
	if err != nil {
		return fmt.Errorf("save after retries: %w", err)
	}

	s.logger.Debug("Checkpoint saved", "bucket", s.bucket, "key", s.key, "last_mention_id", id)
	return nil
}

func (s *Store) load(ctx context.Context) (*Checkpoint, error) {
	var data []byte

	// Local filesystem storage
	if s.localPath != "" {
		var err error
		data, err = os.ReadFile(filepath.Join(s.localPath, s.key))
		if err != nil {
			if os.IsNotExist(err) {
				return nil, nil
			}
			return nil, fmt.Errorf("read from local storage: %w", err)
		}
	} else {
		// Cloud Storage with retry logic for reliability
		var notFound bool
		err := retry.Do(
			func() error {
				r, openErr := s.client.Bucket(s.bucket).Object(s.key).NewReader(ctx)
				if openErr != nil {
					// A missing checkpoint means the bot has never run against this bucket
					if errors.Is(openErr, storage.ErrObjectNotExist) {
						notFound = true
						return nil
					}
					return fmt.Errorf("open storage reader: %w", openErr)
				}
				defer func() {
					if closeErr := r.Close(); closeErr != nil {
						s.logger.Warn("Failed to close storage reader", "error", closeErr)
					}
				}()

				var readErr error
				data, readErr = io.ReadAll(r)
				if readErr != nil {
					return fmt.Errorf("read from storage: %w", readErr)
				}
				return nil
			},
			retry.Attempts(3),
			retry.Delay(s.retryDelay),
			retry.MaxDelay(time.Minute),
			retry.MaxJitter(s.retryDelay),
			retry.Context(ctx),
			retry.OnRetry(func(n uint, retryErr error) {
				s.logger.Info("Retrying checkpoint load after error", "attempt", n, "key", s.key, "error", retryErr)
			}),
		)
		if err != nil {
			return nil, fmt.Errorf("load after retries: %w", err)
		}
		if notFound {
			return nil, nil
		}
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint: %w", err)
	}
	return &cp, nil
}
