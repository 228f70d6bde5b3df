package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/digkill/astronote-billing/internal/models"
)

type Config struct {
	Endpoint     string
	Region       string
	AccessKey    string
	SecretKey    string
	Bucket       string
	UsePathStyle bool
	Prefix       string
}

type objectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Receipt is the archived record of a confirmed checkout attempt.
type Receipt struct {
	AttemptID   string              `json:"attemptId"`
	Shop        string              `json:"shop"`
	SessionID   string              `json:"sessionId"`
	Type        models.PurchaseKind `json:"type"`
	State       models.AttemptState `json:"state"`
	Rechecks    int                 `json:"rechecks"`
	CreatedAt   time.Time           `json:"createdAt"`
	ConfirmedAt time.Time           `json:"confirmedAt"`
}

// ReceiptArchiver writes one JSON object per confirmed attempt.
type ReceiptArchiver struct {
	bucket string
	prefix string
	client objectPutter
	now    func() time.Time
}

func NewReceiptArchiver(cfg Config) (*ReceiptArchiver, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	if cfg.Region == "" {
		return nil, fmt.Errorf("s3 region is required")
	}
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("s3 credentials are required")
	}

	options := s3.Options{
		Region:       cfg.Region,
		Credentials:  credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		UsePathStyle: cfg.UsePathStyle,
	}
	if cfg.Endpoint != "" {
		options.BaseEndpoint = aws.String(cfg.Endpoint)
	}

	return newReceiptArchiver(cfg, s3.New(options)), nil
}

func newReceiptArchiver(cfg Config, client objectPutter) *ReceiptArchiver {
	prefix := strings.Trim(cfg.Prefix, "/")
	if prefix == "" {
		prefix = "receipts"
	}
	return &ReceiptArchiver{
		bucket: cfg.Bucket,
		prefix: prefix,
		client: client,
		now:    time.Now,
	}
}

func (a *ReceiptArchiver) Archive(ctx context.Context, attempt models.Attempt) error {
	now := a.now().UTC()
	body, err := json.Marshal(Receipt{
		AttemptID:   attempt.ID,
		Shop:        attempt.Shop,
		SessionID:   attempt.SessionID,
		Type:        attempt.Kind,
		State:       attempt.State,
		Rechecks:    attempt.Rechecks,
		CreatedAt:   attempt.CreatedAt,
		ConfirmedAt: now,
	})
	if err != nil {
		return fmt.Errorf("encode receipt: %w", err)
	}

	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(a.key(attempt.ID, now)),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("upload receipt: %w", err)
	}
	return nil
}

func (a *ReceiptArchiver) key(id string, at time.Time) string {
	return path.Join(a.prefix, fmt.Sprintf("%04d/%02d/%02d", at.Year(), at.Month(), at.Day()), id+".json")
}
