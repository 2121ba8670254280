package backup

import (
	"context"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/dd0wney/tracktable/pkg/sstable"
)

// S3Backup mirrors sstable data files to an S3 bucket under a
// keyspace/table/generation-shaped key, using the object key as a
// natural incremental marker: re-uploading the same generation is a
// cheap no-op from the caller's perspective.
type S3Backup struct {
	client *s3.Client
	bucket string
	prefix string
}

// StaticCredentials overrides the default credential chain with a fixed
// access key/secret pair, for environments (CI, on-prem backup targets)
// where no instance role or shared config file is available.
type StaticCredentials struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
}

// NewS3Backup loads the AWS config and targets bucket/prefix. With a nil
// static parameter it resolves credentials via the default chain
// (environment, shared config file, or instance role, in that order);
// otherwise it pins the given static credentials.
func NewS3Backup(ctx context.Context, bucket, prefix string, static *StaticCredentials) (*S3Backup, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if static != nil {
		opts = append(opts, awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			static.AccessKeyID, static.SecretAccessKey, static.SessionToken,
		)))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("backup: load AWS config: %w", err)
	}
	return &S3Backup{
		client: s3.NewFromConfig(cfg),
		bucket: bucket,
		prefix: prefix,
	}, nil
}

// BackupSSTable uploads the sstable's data file to
// s3://bucket/prefix/<keyspace>/<table>/<filename>.
func (b *S3Backup) BackupSSTable(ctx context.Context, h *sstable.Handle) error {
	d := h.Descriptor()
	key := fmt.Sprintf("%s/%s/%s/%s", b.prefix, d.Keyspace, d.Table, d.Filename())

	f, err := os.Open(d.Path())
	if err != nil {
		return fmt.Errorf("backup: open %s: %w", d.Path(), err)
	}
	defer f.Close()

	_, err = b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
		Body:   f,
	})
	if err != nil {
		return fmt.Errorf("backup: put %s: %w", key, err)
	}
	return nil
}
