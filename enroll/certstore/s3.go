// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package certstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/relabs-tech/provisio/core/logger"
	"github.com/relabs-tech/provisio/enroll"
)

// S3Configuration carries the credentials and bucket for the S3 driver.
type S3Configuration struct {
	AWSRegion     string `env:"CERTS_AWS_REGION,default=eu-central-1"`
	AWSBucketName string `env:"CERTS_AWS_BUCKET_NAME,default="`
	AccessID      string `env:"CERTS_AWS_ACCESS_ID,default="`
	AccessKey     string `env:"CERTS_AWS_ACCESS_KEY,default="`
	KeyPrefix     string `env:"CERTS_AWS_KEY_PREFIX,default="`
}

// S3 stores certificates as objects in an AWS S3 bucket.
type S3 struct {
	config    aws.Config
	bucket    string
	keyPrefix string
}

// NewS3 returns a new S3 driver.
func NewS3(s3Config S3Configuration) (*S3, error) {
	if s3Config.AWSBucketName == "" {
		return nil, fmt.Errorf("AWSBucketName must not be empty")
	}

	config, err := config.LoadDefaultConfig(
		context.TODO(),
		config.WithRegion(s3Config.AWSRegion),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(s3Config.AccessID, s3Config.AccessKey, "")),
	)
	if err != nil {
		return nil, err
	}
	logger.Default().Debugln("certificate archive on S3 enabled:", s3Config.AWSBucketName)
	return &S3{config, s3Config.AWSBucketName, s3Config.KeyPrefix}, nil
}

// Store uploads the data into a new key object.
func (s *S3) Store(ctx context.Context, key string, data []byte) error {
	uploader := manager.NewUploader(s3.NewFromConfig(s.config))
	_, err := uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.keyPrefix + key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s: %v", key, err)
	}
	return nil
}

// Load downloads the object stored under the key.
func (s *S3) Load(ctx context.Context, key string) ([]byte, error) {
	client := s3.NewFromConfig(s.config)
	resp, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.keyPrefix + key),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, fmt.Errorf("certificate %s: %w", key, enroll.ErrNotFound)
		}
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

// Delete deletes the key object.
func (s *S3) Delete(ctx context.Context, key string) error {
	client := s3.NewFromConfig(s.config)
	_, err := client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.keyPrefix + key),
	})
	return err
}

// List returns all stored keys with the given prefix.
func (s *S3) List(ctx context.Context, prefix string) (keys []string, err error) {
	client := s3.NewFromConfig(s.config)

	var continuationToken *string
	for {
		input := &s3.ListObjectsV2Input{
			Bucket:            &s.bucket,
			Prefix:            aws.String(s.keyPrefix + prefix),
			ContinuationToken: continuationToken,
		}
		var resp *s3.ListObjectsV2Output
		resp, err = client.ListObjectsV2(ctx, input)
		if err != nil {
			return
		}
		for _, item := range resp.Contents {
			keys = append(keys, (*item.Key)[len(s.keyPrefix):])
		}
		continuationToken = resp.NextContinuationToken
		if resp.NextContinuationToken == nil {
			break
		}
	}
	return
}

// GetPreSignedURL returns a pre-signed download URL for the key, usable
// until the expiry duration has passed.
func (s *S3) GetPreSignedURL(ctx context.Context, key string, expireIn time.Duration) (string, error) {
	client := s3.NewPresignClient(s3.NewFromConfig(s.config))
	resp, err := client.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.keyPrefix + key),
	}, s3.WithPresignExpires(expireIn))
	if err != nil {
		return "", err
	}
	return resp.URL, nil
}
