package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/golang/snappy"
	"go.uber.org/zap"

	"github.com/teranos/aggregator/am"
	"github.com/teranos/aggregator/errors"
	"github.com/teranos/aggregator/logger"
)

// Uploader is the part of *s3.Client the archiver uses.
type Uploader interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Archiver uploads snappy-compressed snapshots of the audit log to S3
// compatible object storage.
type Archiver struct {
	store    Store
	uploader Uploader
	bucket   string
	prefix   string
	interval time.Duration
	clock    func() time.Time
	logger   *zap.SugaredLogger

	mu      sync.Mutex
	lastKey string
}

// NewS3Uploader builds an S3 client from the archive configuration.
// Static credentials are used only when both keys are set; otherwise the
// default AWS credential chain applies.
func NewS3Uploader(ctx context.Context, cfg am.ArchiveConfig) (*s3.Client, error) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load AWS config")
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = cfg.UsePathStyle
		})
	}
	return s3.NewFromConfig(awsCfg, s3Opts...), nil
}

// NewArchiver creates an archiver. A zero interval archives only when
// Archive is called directly.
func NewArchiver(store Store, uploader Uploader, cfg am.ArchiveConfig, log *zap.SugaredLogger) (*Archiver, error) {
	if cfg.Bucket == "" {
		return nil, errors.WithHint(errors.New("archive bucket is required"), "set audit.archive.bucket in am.toml")
	}
	if log == nil {
		log = logger.ComponentLogger("audit-archive")
	}
	prefix := cfg.Prefix
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &Archiver{
		store:    store,
		uploader: uploader,
		bucket:   cfg.Bucket,
		prefix:   prefix,
		interval: time.Duration(cfg.IntervalSeconds) * time.Second,
		clock:    time.Now,
		logger:   log,
	}, nil
}

// Archive uploads one snapshot and returns its object key.
func (a *Archiver) Archive(ctx context.Context) (string, error) {
	data, err := Snapshot(ctx, a.store)
	if err != nil {
		return "", err
	}
	compressed := snappy.Encode(nil, data)

	key := fmt.Sprintf("%s%s.json.snappy", a.prefix, a.clock().UTC().Format("20060102T150405.000000000Z"))
	_, err = a.uploader.PutObject(ctx, &s3.PutObjectInput{
		Bucket:          aws.String(a.bucket),
		Key:             aws.String(key),
		Body:            bytes.NewReader(compressed),
		ContentType:     aws.String("application/json"),
		ContentEncoding: aws.String("snappy"),
	})
	if err != nil {
		err = errors.Wrap(err, "failed to upload audit snapshot")
		return "", errors.WithDetail(err, fmt.Sprintf("Bucket: %s, Key: %s", a.bucket, key))
	}

	a.mu.Lock()
	a.lastKey = key
	a.mu.Unlock()

	a.logger.Infow("Audit log archived",
		"bucket", a.bucket,
		"key", key,
		logger.FieldSize, len(compressed))
	return key, nil
}

// LastKey returns the key of the most recent successful upload.
func (a *Archiver) LastKey() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastKey
}

// Run archives every interval until ctx is done, then archives once more.
func (a *Archiver) Run(ctx context.Context) {
	if a.interval > 0 {
		ticker := time.NewTicker(a.interval)
		defer ticker.Stop()
	loop:
		for {
			select {
			case <-ctx.Done():
				break loop
			case <-ticker.C:
				if _, err := a.Archive(ctx); err != nil {
					a.logger.Warnw("Audit archive failed", logger.FieldError, err)
				}
			}
		}
	} else {
		<-ctx.Done()
	}

	// Final snapshot on shutdown
	final, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := a.Archive(final); err != nil {
		a.logger.Warnw("Final audit archive failed", logger.FieldError, err)
	}
}

// Decode reverses the archive encoding of a snapshot.
func Decode(data []byte) ([]Entry, error) {
	raw, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, errors.Wrap(err, "failed to decompress audit snapshot")
	}
	var entries []Entry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, errors.Wrap(err, "failed to decode audit snapshot")
	}
	return entries, nil
}
