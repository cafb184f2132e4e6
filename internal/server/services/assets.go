package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/dmitrijs2005/draftsync/internal/common"
	sc "github.com/dmitrijs2005/draftsync/internal/server/config"
	"github.com/google/uuid"
)

var (
	loadDefaultAWSConfig = config.LoadDefaultConfig

	newS3ClientFromConfig = func(cfg aws.Config, optFns ...func(*s3.Options)) *s3.Client {
		return s3.NewFromConfig(cfg, optFns...)
	}

	newS3PresignClient = func(c *s3.Client) *s3.PresignClient {
		return s3.NewPresignClient(c)
	}

	presignPutObject = func(pc *s3.PresignClient, ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
		return pc.PresignPutObject(ctx, in, optFns...)
	}
	presignGetObject = func(pc *s3.PresignClient, ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
		return pc.PresignGetObject(ctx, in, optFns...)
	}
)

// Asset kinds served from object storage. They match the client's cache
// tiers, so a tier name doubles as the kind in asset URLs.
const (
	AssetTemplate = "template"
	AssetImage    = "image"
	AssetUserData = "userData"
)

// AssetService hands out presigned URLs for templates and images kept in
// S3-compatible storage. Objects live under "<kind>/<key>".
type AssetService struct {
	config *sc.Config
	now    func() time.Time
}

func NewAssetService(config *sc.Config) *AssetService {
	return &AssetService{config: config, now: time.Now}
}

// ValidAssetKind reports whether kind names a servable asset family.
func ValidAssetKind(kind string) bool {
	switch kind {
	case AssetTemplate, AssetImage, AssetUserData:
		return true
	}
	return false
}

func objectKey(kind, key string) (string, error) {
	if !ValidAssetKind(kind) {
		return "", fmt.Errorf("%w: asset kind %q", common.ErrNotFound, kind)
	}
	if key == "" || strings.Contains(key, "..") {
		return "", fmt.Errorf("%w: asset key %q", common.ErrNotFound, key)
	}
	return kind + "/" + key, nil
}

// NewImageKey returns a fresh key for an uploaded image.
func (s *AssetService) NewImageKey() string {
	d := s.now()
	return fmt.Sprintf("%d/%02d/%02d/%v", d.Year(), d.Month(), d.Day(), uuid.New())
}

func (s *AssetService) getPresignClient(ctx context.Context) (*s3.PresignClient, error) {
	cfg, err := loadDefaultAWSConfig(ctx,
		config.WithRegion(s.config.S3Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			s.config.S3RootUser,
			s.config.S3RootPassword,
			"",
		)))
	if err != nil {
		return nil, err
	}

	client := newS3ClientFromConfig(cfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(s.config.S3BaseEndpoint)
		o.UsePathStyle = true
	})

	return newS3PresignClient(client), nil
}

// PresignGet returns a time-limited GET URL for the asset.
func (s *AssetService) PresignGet(ctx context.Context, kind, key string) (string, error) {
	object, err := objectKey(kind, key)
	if err != nil {
		return "", err
	}

	presignClient, err := s.getPresignClient(ctx)
	if err != nil {
		return "", err
	}

	bucket := s.config.S3Bucket
	req, err := presignGetObject(presignClient, ctx, &s3.GetObjectInput{
		Bucket: &bucket,
		Key:    &object,
	}, s3.WithPresignExpires(s.config.PresignExpiry))
	if err != nil {
		return "", err
	}

	return req.URL, nil
}

// PresignImageUpload allocates a key for a new image and returns it with a
// time-limited PUT URL. The key is what an ImageRef field stores.
func (s *AssetService) PresignImageUpload(ctx context.Context) (string, string, error) {
	key := s.NewImageKey()
	object, err := objectKey(AssetImage, key)
	if err != nil {
		return "", "", err
	}

	presignClient, err := s.getPresignClient(ctx)
	if err != nil {
		return "", "", err
	}

	bucket := s.config.S3Bucket
	req, err := presignPutObject(presignClient, ctx, &s3.PutObjectInput{
		Bucket: &bucket,
		Key:    &object,
	}, s3.WithPresignExpires(s.config.PresignExpiry))
	if err != nil {
		return "", "", err
	}

	return key, req.URL, nil
}
