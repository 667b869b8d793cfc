// Package s3 resolves s3:// URLs into presigned HTTPS URLs so bucket
// objects flow through the ranged download engine like any other
// mirror.
package s3

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/tanq16/riptide/utils"
)

// Presigned URLs outlive the manager's resolve cache so a cache hit
// never hands out an expired link.
const presignExpiry = 15 * time.Minute

func parseS3URL(rawURL string) (string, string, error) {
	trimmed := strings.TrimPrefix(rawURL, "s3://")
	parts := strings.SplitN(trimmed, "/", 2)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid s3 url: %s", rawURL)
	}
	return parts[0], parts[1], nil
}

func getS3Client() (*s3.Client, error) {
	profile := os.Getenv("AWS_PROFILE")
	if profile == "" {
		profile = "default"
	}
	cfg, err := config.LoadDefaultConfig(context.Background(), config.WithSharedConfigProfile(profile), config.WithRetryMode("adaptive"))
	if err != nil {
		return nil, fmt.Errorf("error loading AWS config: %v", err)
	}
	return s3.NewFromConfig(cfg), nil
}

// NewResolver builds a protocol handler for the "s3" scheme. Each call
// presigns a ranged-GET-capable HTTPS URL for the object.
func NewResolver() (func(url string) ([]string, error), error) {
	client, err := getS3Client()
	if err != nil {
		return nil, err
	}
	presigner := s3.NewPresignClient(client)
	log := utils.GetLogger("s3")
	return func(url string) ([]string, error) {
		bucket, key, err := parseS3URL(url)
		if err != nil {
			return nil, err
		}
		req, err := presigner.PresignGetObject(context.Background(), &s3.GetObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
		}, s3.WithPresignExpires(presignExpiry))
		if err != nil {
			return nil, fmt.Errorf("error presigning s3 object: %v", err)
		}
		log.Debug().Str("bucket", bucket).Str("key", key).Msg("Presigned S3 object")
		return []string{req.URL}, nil
	}, nil
}
