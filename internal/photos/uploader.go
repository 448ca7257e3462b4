package photos

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
)

// Uploader stores one object in the photo bucket
type Uploader interface {
	Upload(ctx context.Context, key string, data []byte) error
}

// CommandUploader shells out to an object storage CLI, wrangler by default.
// The command receives "<bucket>/<key> --file <tmp> --remote".
type CommandUploader struct {
	Bucket  string
	Command []string
}

// Upload writes data to a temp file and runs the upload command on it
func (u *CommandUploader) Upload(ctx context.Context, key string, data []byte) error {
	if len(u.Command) == 0 {
		return errors.New("no upload command configured")
	}

	tmp, err := os.CreateTemp("", "edgesync-photo-*.jpg")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}

	args := append([]string{}, u.Command[1:]...)
	args = append(args, u.Bucket+"/"+key, "--file", tmp.Name(), "--remote")

	cmd := exec.CommandContext(ctx, u.Command[0], args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return fmt.Errorf("upload command failed: %w: %s", err, msg)
		}
		return fmt.Errorf("upload command failed: %w", err)
	}
	return nil
}

// S3Config addresses an S3 compatible bucket such as R2
type S3Config struct {
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	Bucket    string
}

// S3Uploader puts objects through the S3 API
type S3Uploader struct {
	client s3iface.S3API
	bucket string
}

// NewS3Uploader creates a session against the configured endpoint
func NewS3Uploader(cfg S3Config) (*S3Uploader, error) {
	region := cfg.Region
	if region == "" {
		region = "auto"
	}

	sess, err := session.NewSession(&aws.Config{
		Endpoint:         aws.String(cfg.Endpoint),
		Region:           aws.String(region),
		Credentials:      credentials.NewStaticCredentials(cfg.AccessKey, cfg.SecretKey, ""),
		S3ForcePathStyle: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 session: %w", err)
	}

	return &S3Uploader{client: s3.New(sess), bucket: cfg.Bucket}, nil
}

// Upload stores data as a JPEG object
func (u *S3Uploader) Upload(ctx context.Context, key string, data []byte) error {
	_, err := u.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("image/jpeg"),
	})
	if err != nil {
		return fmt.Errorf("failed to put object %s: %w", key, err)
	}
	return nil
}
