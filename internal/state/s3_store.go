package state

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/picklr-io/reconciler/internal/logging"
)

// S3Options configures an S3-backed store.
type S3Options struct {
	Bucket    string
	Prefix    string // key prefix, defaults to "reconciler"
	Region    string // defaults to us-east-1
	LockTable string // DynamoDB table for locking, optional
	Encrypt   bool   // request SSE-S3 on upload
	Profile   string
}

// S3API is the subset of the S3 client the store uses.
type S3API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// DynamoDBAPI is the subset of the DynamoDB client used for locking.
type DynamoDBAPI interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// S3Store keeps documents as objects under a bucket prefix. Writes are
// staged in memory and uploaded on Commit, so a failed run leaves the
// bucket untouched. The lock document bypasses staging.
type S3Store struct {
	opts S3Options
	s3   S3API
	db   DynamoDBAPI

	mu      sync.Mutex
	staged  map[string][]byte
	deleted map[string]bool
}

// NewS3Store loads the default AWS configuration and creates a store.
func NewS3Store(ctx context.Context, opts S3Options) (*S3Store, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("s3 store requires a bucket")
	}
	if opts.Region == "" {
		opts.Region = "us-east-1"
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(opts.Region)}
	if opts.Profile != "" {
		loadOpts = append(loadOpts, awsconfig.WithSharedConfigProfile(opts.Profile))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("unable to load AWS config: %w", err)
	}

	var db DynamoDBAPI
	if opts.LockTable != "" {
		db = dynamodb.NewFromConfig(cfg)
	}
	return NewS3StoreWithClients(opts, s3.NewFromConfig(cfg), db)
}

// NewS3StoreWithClients creates a store over existing clients. db may be nil
// when no lock table is configured.
func NewS3StoreWithClients(opts S3Options, s3c S3API, db DynamoDBAPI) (*S3Store, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("s3 store requires a bucket")
	}
	if opts.Prefix == "" {
		opts.Prefix = "reconciler"
	}
	if opts.LockTable != "" && db == nil {
		return nil, fmt.Errorf("lock table %s configured without a DynamoDB client", opts.LockTable)
	}
	return &S3Store{
		opts:    opts,
		s3:      s3c,
		db:      db,
		staged:  make(map[string][]byte),
		deleted: make(map[string]bool),
	}, nil
}

func (s *S3Store) key(name string) string {
	return path.Join(s.opts.Prefix, name)
}

func (s *S3Store) url(name string) string {
	return fmt.Sprintf("s3://%s/%s", s.opts.Bucket, s.key(name))
}

func (s *S3Store) Get(name string) Document {
	return &s3Document{store: s, name: name}
}

func (s *S3Store) Commit(ctx context.Context, message string) (bool, error) {
	s.mu.Lock()
	staged := s.staged
	deleted := s.deleted
	s.staged = make(map[string][]byte)
	s.deleted = make(map[string]bool)
	s.mu.Unlock()

	names := make([]string, 0, len(staged))
	for n := range staged {
		names = append(names, n)
	}
	sort.Strings(names)

	changed := false
	for _, name := range names {
		prev, err := s.fetch(ctx, name)
		if err != nil {
			return changed, err
		}
		if prev != nil && bytes.Equal(prev, staged[name]) {
			continue
		}
		if err := s.upload(ctx, name, staged[name], false); err != nil {
			return changed, err
		}
		changed = true
	}
	for name := range deleted {
		if _, err := s.s3.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.opts.Bucket),
			Key:    aws.String(s.key(name)),
		}); err != nil {
			return changed, fmt.Errorf("failed to delete %s: %w", s.url(name), err)
		}
		changed = true
	}

	if changed {
		logging.Info("ledger uploaded", "bucket", s.opts.Bucket, "prefix", s.opts.Prefix, "message", message)
	}
	return changed, nil
}

// Push is a no-op; S3 commits are already remote.
func (s *S3Store) Push(context.Context) error { return nil }

func (s *S3Store) fetch(ctx context.Context, name string) ([]byte, error) {
	out, err := s.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.opts.Bucket),
		Key:    aws.String(s.key(name)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read %s: %w", s.url(name), err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read body of %s: %w", s.url(name), err)
	}
	return data, nil
}

func (s *S3Store) upload(ctx context.Context, name string, data []byte, exclusive bool) error {
	in := &s3.PutObjectInput{
		Bucket: aws.String(s.opts.Bucket),
		Key:    aws.String(s.key(name)),
		Body:   bytes.NewReader(data),
	}
	if s.opts.Encrypt {
		in.ServerSideEncryption = s3types.ServerSideEncryptionAes256
	}
	if exclusive {
		in.IfNoneMatch = aws.String("*")
	}
	if _, err := s.s3.PutObject(ctx, in); err != nil {
		return fmt.Errorf("failed to write %s: %w", s.url(name), err)
	}
	return nil
}

// Lock takes the deployment lock, in DynamoDB when a lock table is
// configured and as a conditionally written lock object otherwise.
func (s *S3Store) Lock(ctx context.Context, owner string) error {
	info := fmt.Sprintf("owner=%s pid=%d", owner, os.Getpid())
	created := time.Now().UTC().Format(time.RFC3339)

	if s.db == nil {
		content := []byte(fmt.Sprintf("%s\ntime=%s\n", info, created))
		if err := s.upload(ctx, LockDocument, content, true); err != nil {
			if isPreconditionFailed(err) {
				return lockedError(ctx, s.Get(LockDocument))
			}
			return fmt.Errorf("failed to acquire lock: %w", err)
		}
		return nil
	}

	_, err := s.db.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.opts.LockTable),
		Item: map[string]dbtypes.AttributeValue{
			"LockID":  &dbtypes.AttributeValueMemberS{Value: s.key(LockDocument)},
			"Info":    &dbtypes.AttributeValueMemberS{Value: info},
			"Created": &dbtypes.AttributeValueMemberS{Value: created},
		},
		ConditionExpression: aws.String("attribute_not_exists(LockID)"),
	})
	if err != nil {
		var ccf *dbtypes.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return fmt.Errorf("%w (held by %s). If this is an error, clear it with `reconciler unlock` "+
				"or delete LockID=%q from DynamoDB table %q",
				ErrLocked, s.lockHolder(ctx), s.key(LockDocument), s.opts.LockTable)
		}
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	return nil
}

func (s *S3Store) lockHolder(ctx context.Context) string {
	out, err := s.db.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.opts.LockTable),
		Key: map[string]dbtypes.AttributeValue{
			"LockID": &dbtypes.AttributeValueMemberS{Value: s.key(LockDocument)},
		},
	})
	if err != nil || out.Item == nil {
		return "unknown"
	}
	if v, ok := out.Item["Info"].(*dbtypes.AttributeValueMemberS); ok {
		return v.Value
	}
	return "unknown"
}

func (s *S3Store) Unlock(ctx context.Context) error {
	if s.db == nil {
		if _, err := s.s3.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.opts.Bucket),
			Key:    aws.String(s.key(LockDocument)),
		}); err != nil {
			return fmt.Errorf("failed to release lock: %w", err)
		}
		return nil
	}

	_, err := s.db.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.opts.LockTable),
		Key: map[string]dbtypes.AttributeValue{
			"LockID": &dbtypes.AttributeValueMemberS{Value: s.key(LockDocument)},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}

func isNotFound(err error) bool {
	var nsk *s3types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var nf *s3types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	var ae smithy.APIError
	if errors.As(err, &ae) {
		switch ae.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}

func isPreconditionFailed(err error) bool {
	var ae smithy.APIError
	if errors.As(err, &ae) {
		switch ae.ErrorCode() {
		case "PreconditionFailed", "ConditionalRequestConflict":
			return true
		}
	}
	return false
}

type s3Document struct {
	store *S3Store
	name  string
}

func (d *s3Document) Name() string { return d.name }

func (d *s3Document) Data(ctx context.Context) ([]byte, error) {
	s := d.store
	s.mu.Lock()
	if data, ok := s.staged[d.name]; ok {
		s.mu.Unlock()
		return append([]byte(nil), data...), nil
	}
	if s.deleted[d.name] {
		s.mu.Unlock()
		return nil, nil
	}
	s.mu.Unlock()
	return s.fetch(ctx, d.name)
}

func (d *s3Document) SetData(ctx context.Context, data []byte) error {
	s := d.store
	if d.name == LockDocument {
		return s.upload(ctx, d.name, data, false)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.staged[d.name] = append([]byte(nil), data...)
	delete(s.deleted, d.name)
	return nil
}

func (d *s3Document) Exists(ctx context.Context) (bool, error) {
	s := d.store
	s.mu.Lock()
	if _, ok := s.staged[d.name]; ok {
		s.mu.Unlock()
		return true, nil
	}
	if s.deleted[d.name] {
		s.mu.Unlock()
		return false, nil
	}
	s.mu.Unlock()

	_, err := s.s3.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.opts.Bucket),
		Key:    aws.String(s.key(d.name)),
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat %s: %w", s.url(d.name), err)
	}
	return true, nil
}

func (d *s3Document) Delete(ctx context.Context) error {
	s := d.store
	if d.name == LockDocument {
		return s.Unlock(ctx)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.staged, d.name)
	s.deleted[d.name] = true
	return nil
}
