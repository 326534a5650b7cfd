package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

const s3MaxDeleteKeys = 1000

// S3API is the subset of *s3.Client used by S3Store.
type S3API interface {
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
	DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
}

var _ S3API = (*s3.Client)(nil)

type s3Session struct {
	key  string
	etag string
}

// S3Store maps the session protocol onto S3 multipart uploads: a session is a
// multipart upload holding a single part, and a batch commit completes each
// upload in turn. S3 commits synchronously, so jobs are finished as soon as
// FinishBatch returns and nothing is kept once it does.
type S3Store struct {
	Client      S3API
	Bucket      string
	callTimeout time.Duration

	lock     sync.Mutex
	sessions map[string]*s3Session
}

func NewS3Store(appConfig AppConfig) (*S3Store, error) {
	if appConfig.S3.Bucket == "" {
		return nil, newSyncError(ConfigError, "s3 client", "", errors.New("missing bucket"))
	}

	loadOptions := []func(*config.LoadOptions) error{
		config.WithRegion(appConfig.S3.Region),
	}
	if appConfig.S3.Profile != "" {
		loadOptions = append(loadOptions, config.WithSharedConfigProfile(appConfig.S3.Profile))
	}
	if appConfig.S3.AccessKeyID != "" {
		loadOptions = append(loadOptions, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(appConfig.S3.AccessKeyID, appConfig.S3.SecretAccessKey, "")))
	}

	cfg, err := config.LoadDefaultConfig(context.TODO(), loadOptions...)
	if err != nil {
		return nil, newSyncError(ConfigError, "s3 client", "", fmt.Errorf("Error creating s3 client: %w", err))
	}
	awsS3Client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if appConfig.S3.Endpoint != "" {
			o.BaseEndpoint = aws.String(appConfig.S3.Endpoint)
			o.UsePathStyle = true
		}
	})

	return newS3Store(awsS3Client, appConfig.S3.Bucket, appConfig.CallTimeout()), nil
}

func newS3Store(client S3API, bucket string, callTimeout time.Duration) *S3Store {
	return &S3Store{
		Client:      client,
		Bucket:      bucket,
		callTimeout: callTimeout,
		sessions:    make(map[string]*s3Session),
	}
}

func objectKey(remote string) string {
	return strings.TrimPrefix(remote, "/")
}

func folderPrefix(folder string) string {
	prefix := strings.Trim(folder, "/")
	if prefix == "" {
		return ""
	}
	return prefix + "/"
}

func (s *S3Store) ListFolder(ctx context.Context, folder string, limit int) (*ListPage, error) {
	return s.listPage(ctx, folderPrefix(folder), "", limit)
}

// ListFolderContinue decodes the cursor produced by ListFolder, which carries
// both the prefix and the S3 continuation token.
func (s *S3Store) ListFolderContinue(ctx context.Context, cursor string) (*ListPage, error) {
	values, parseErr := url.ParseQuery(cursor)
	if parseErr != nil {
		return nil, fmt.Errorf("invalid cursor: %w", parseErr)
	}
	return s.listPage(ctx, values.Get("prefix"), values.Get("token"), listPageLimit)
}

func (s *S3Store) listPage(ctx context.Context, prefix, token string, limit int) (*ListPage, error) {
	input := &s3.ListObjectsV2Input{
		Bucket:    aws.String(s.Bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
		MaxKeys:   aws.Int32(int32(limit)),
	}
	if token != "" {
		input.ContinuationToken = aws.String(token)
	}

	callCtx, cancel := withCallTimeout(ctx, s.callTimeout)
	defer cancel()
	output, listErr := s.Client.ListObjectsV2(callCtx, input)
	if listErr != nil {
		return nil, describeS3Error(listErr)
	}

	page := &ListPage{Entries: make([]RemoteEntry, 0, len(output.Contents)+len(output.CommonPrefixes))}
	for _, object := range output.Contents {
		key := aws.ToString(object.Key)
		if key == prefix {
			continue
		}
		page.Entries = append(page.Entries, RemoteEntry{
			Name:       path.Base(key),
			ModifiedAt: aws.ToTime(object.LastModified),
			Size:       aws.ToInt64(object.Size),
		})
	}
	for _, commonPrefix := range output.CommonPrefixes {
		page.Entries = append(page.Entries, RemoteEntry{Name: path.Base(aws.ToString(commonPrefix.Prefix)), IsDir: true})
	}
	if aws.ToBool(output.IsTruncated) {
		page.HasMore = true
		page.Cursor = url.Values{"prefix": {prefix}, "token": {aws.ToString(output.NextContinuationToken)}}.Encode()
	}

	return page, nil
}

func (s *S3Store) StartSession(ctx context.Context, destination string) (string, error) {
	key := objectKey(destination)
	callCtx, cancel := withCallTimeout(ctx, s.callTimeout)
	defer cancel()
	output, createErr := s.Client.CreateMultipartUpload(callCtx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(key),
	})
	if createErr != nil {
		return "", describeS3Error(createErr)
	}

	uploadID := aws.ToString(output.UploadId)
	s.lock.Lock()
	defer s.lock.Unlock()
	s.sessions[uploadID] = &s3Session{key: key}
	return uploadID, nil
}

// AppendAndClose uploads the whole content as part 1. A failed part aborts the
// multipart upload so no orphaned parts are left in the bucket.
func (s *S3Store) AppendAndClose(ctx context.Context, sessionID string, offset int64, content io.Reader) error {
	session, ok := s.session(sessionID)
	if !ok {
		return fmt.Errorf("unknown upload session %s", sessionID)
	}
	if offset != 0 {
		return fmt.Errorf("session %s: multi-chunk appends are not supported", sessionID)
	}

	callCtx, cancel := withCallTimeout(ctx, s.callTimeout)
	defer cancel()
	output, partErr := s.Client.UploadPart(callCtx, &s3.UploadPartInput{
		Bucket:     aws.String(s.Bucket),
		Key:        aws.String(session.key),
		UploadId:   aws.String(sessionID),
		PartNumber: aws.Int32(1),
		Body:       content,
	})
	if partErr != nil {
		s.abort(ctx, sessionID)
		return describeS3Error(partErr)
	}

	s.lock.Lock()
	defer s.lock.Unlock()
	session.etag = aws.ToString(output.ETag)
	return nil
}

// AbortSession discards an upload session that will not be committed.
func (s *S3Store) AbortSession(ctx context.Context, sessionID string) error {
	if _, ok := s.session(sessionID); !ok {
		return fmt.Errorf("unknown upload session %s", sessionID)
	}
	return s.abort(ctx, sessionID)
}

// FinishBatch completes every upload before returning, so the job it returns
// is already terminal and never needs a CheckBatch.
func (s *S3Store) FinishBatch(ctx context.Context, entries []BatchCommitEntry) (*BatchJob, error) {
	job := &BatchJob{ID: uuid.NewString(), Status: JobComplete, Results: make([]CommitResult, 0, len(entries))}
	for _, entry := range entries {
		job.Results = append(job.Results, CommitResult{
			DestinationPath: entry.DestinationPath,
			Err:             s.complete(ctx, entry),
		})
	}
	return job, nil
}

func (s *S3Store) complete(ctx context.Context, entry BatchCommitEntry) error {
	session, ok := s.session(entry.SessionID)
	if !ok || session.etag == "" {
		return fmt.Errorf("upload session %s was not appended", entry.SessionID)
	}
	if session.key != objectKey(entry.DestinationPath) {
		return fmt.Errorf("upload session %s was opened for %s", entry.SessionID, session.key)
	}

	input := &s3.CompleteMultipartUploadInput{
		Bucket:   aws.String(s.Bucket),
		Key:      aws.String(session.key),
		UploadId: aws.String(entry.SessionID),
		MultipartUpload: &types.CompletedMultipartUpload{
			Parts: []types.CompletedPart{{ETag: aws.String(session.etag), PartNumber: aws.Int32(1)}},
		},
	}
	if entry.ConflictPolicy == ConflictFailNoRename {
		input.IfNoneMatch = aws.String("*")
	}

	callCtx, cancel := withCallTimeout(ctx, s.callTimeout)
	defer cancel()
	_, completeErr := s.Client.CompleteMultipartUpload(callCtx, input)
	if completeErr != nil {
		s.abort(ctx, entry.SessionID)
		return describeS3Error(completeErr)
	}

	s.forget(entry.SessionID)
	return nil
}

func (s *S3Store) CheckBatch(ctx context.Context, jobID string) (*BatchJob, error) {
	return nil, fmt.Errorf("unknown batch job %s: s3 batches complete in FinishBatch", jobID)
}

func (s *S3Store) DeleteBatch(ctx context.Context, paths []string) error {
	failures := make([]error, 0)
	for start := 0; start < len(paths); start += s3MaxDeleteKeys {
		end := min(start+s3MaxDeleteKeys, len(paths))
		objects := make([]types.ObjectIdentifier, 0, end-start)
		for _, remote := range paths[start:end] {
			objects = append(objects, types.ObjectIdentifier{Key: aws.String(objectKey(remote))})
		}

		callCtx, cancel := withCallTimeout(ctx, s.callTimeout)
		output, deleteErr := s.Client.DeleteObjects(callCtx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.Bucket),
			Delete: &types.Delete{Objects: objects, Quiet: aws.Bool(true)},
		})
		cancel()
		if deleteErr != nil {
			return describeS3Error(deleteErr)
		}
		for _, objErr := range output.Errors {
			failures = append(failures, fmt.Errorf("delete %s: %s %s",
				aws.ToString(objErr.Key), aws.ToString(objErr.Code), aws.ToString(objErr.Message)))
		}
	}

	return errors.Join(failures...)
}

func (s *S3Store) session(sessionID string) (*s3Session, bool) {
	s.lock.Lock()
	defer s.lock.Unlock()
	session, ok := s.sessions[sessionID]
	return session, ok
}

func (s *S3Store) forget(sessionID string) {
	s.lock.Lock()
	defer s.lock.Unlock()
	delete(s.sessions, sessionID)
}

func (s *S3Store) abort(ctx context.Context, sessionID string) error {
	session, ok := s.session(sessionID)
	if !ok {
		return nil
	}
	s.forget(sessionID)

	callCtx, cancel := withCallTimeout(ctx, s.callTimeout)
	defer cancel()
	_, abortErr := s.Client.AbortMultipartUpload(callCtx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(s.Bucket),
		Key:      aws.String(session.key),
		UploadId: aws.String(sessionID),
	})
	if abortErr != nil {
		log.Warn(fmt.Sprintf("Error aborting multipart upload for %s: %s", session.key, abortErr))
		return describeS3Error(abortErr)
	}
	return nil
}

// describeS3Error keeps the service error code and message as the error payload.
func describeS3Error(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("%s: %s: %w", apiErr.ErrorCode(), apiErr.ErrorMessage(), err)
	}
	return err
}
