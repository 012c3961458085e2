package swcache

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/jmgilman/go/errors"
)

// s3API is the subset of the S3 client used by S3Provider.
type s3API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// Object layout under the configured prefix:
//
//	<partition>/.partition      marker written on Open
//	<partition>/e/<sha256(key)> gob encoded Entry
const (
	s3Marker    = ".partition"
	s3EntryDir  = "e/"
	s3Separator = "/"
)

// S3Provider keeps partitions in an S3 bucket so that several proxy
// instances share one cache.
type S3Provider struct {
	client s3API
	bucket string
	prefix string
}

// NewS3Provider builds a provider using the default AWS credential chain.
func NewS3Provider(ctx context.Context, cfg S3Config) (*S3Provider, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInvalidConfig, "load aws config")
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	})
	return newS3Provider(client, cfg.Bucket, cfg.Prefix), nil
}

func newS3Provider(client s3API, bucket, prefix string) *S3Provider {
	if prefix != "" && !strings.HasSuffix(prefix, s3Separator) {
		prefix += s3Separator
	}
	return &S3Provider{client: client, bucket: bucket, prefix: prefix}
}

func (p *S3Provider) partitionPrefix(name string) string {
	return p.prefix + name + s3Separator
}

func (p *S3Provider) Open(ctx context.Context, name string) (Partition, error) {
	_, err := p.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(p.partitionPrefix(name) + s3Marker),
		Body:   bytes.NewReader(nil),
	})
	if err != nil {
		return nil, errors.Wrapf(err, errors.CodeDatabase, "create partition %s", name)
	}
	return &s3Partition{provider: p, prefix: p.partitionPrefix(name) + s3EntryDir}, nil
}

func (p *S3Provider) Names(ctx context.Context) ([]string, error) {
	pager := s3.NewListObjectsV2Paginator(p.client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(p.bucket),
		Prefix:    aws.String(p.prefix),
		Delimiter: aws.String(s3Separator),
	})
	var out []string
	for pager.HasMorePages() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, errors.Wrap(err, errors.CodeDatabase, "list partitions")
		}
		for _, cp := range page.CommonPrefixes {
			name := strings.TrimSuffix(strings.TrimPrefix(aws.ToString(cp.Prefix), p.prefix), s3Separator)
			if name != "" {
				out = append(out, name)
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

func (p *S3Provider) Delete(ctx context.Context, name string) (bool, error) {
	keys, err := p.listKeys(ctx, p.partitionPrefix(name))
	if err != nil {
		return false, errors.Wrapf(err, errors.CodeDatabase, "delete partition %s", name)
	}
	for _, k := range keys {
		_, err := p.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(p.bucket),
			Key:    aws.String(k),
		})
		if err != nil {
			return false, errors.Wrapf(err, errors.CodeDatabase, "delete partition %s", name)
		}
	}
	return len(keys) > 0, nil
}

func (p *S3Provider) Close() error { return nil }

func (p *S3Provider) listKeys(ctx context.Context, prefix string) ([]string, error) {
	pager := s3.NewListObjectsV2Paginator(p.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(p.bucket),
		Prefix: aws.String(prefix),
	})
	var out []string
	for pager.HasMorePages() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, obj := range page.Contents {
			out = append(out, aws.ToString(obj.Key))
		}
	}
	return out, nil
}

type s3Partition struct {
	provider *S3Provider
	prefix   string
}

func (p *s3Partition) objectKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return p.prefix + hex.EncodeToString(sum[:])
}

func (p *s3Partition) Match(ctx context.Context, key string) (Entry, bool, error) {
	out, err := p.provider.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.provider.bucket),
		Key:    aws.String(p.objectKey(key)),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return Entry{}, false, nil
		}
		return Entry{}, false, errors.Wrap(err, errors.CodeDatabase, "read entry")
	}
	defer out.Body.Close()

	b, err := io.ReadAll(out.Body)
	if err != nil {
		return Entry{}, false, errors.Wrap(err, errors.CodeDatabase, "read entry")
	}
	var ent Entry
	if err := decodeGob(b, &ent); err != nil {
		return Entry{}, false, errors.Wrap(err, errors.CodeDatabase, "decode entry")
	}
	return ent, true, nil
}

func (p *s3Partition) Put(ctx context.Context, key string, ent Entry) error {
	b, err := encodeGob(ent)
	if err != nil {
		return errors.Wrap(err, errors.CodeDatabase, "encode entry")
	}
	_, err = p.provider.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(p.provider.bucket),
		Key:           aws.String(p.objectKey(key)),
		Body:          bytes.NewReader(b),
		ContentLength: aws.Int64(int64(len(b))),
		ContentType:   aws.String("application/octet-stream"),
	})
	if err != nil {
		return errors.Wrap(err, errors.CodeDatabase, "write entry")
	}
	return nil
}

func (p *s3Partition) Len(ctx context.Context) (int, error) {
	keys, err := p.provider.listKeys(ctx, p.prefix)
	if err != nil {
		return 0, errors.Wrap(err, errors.CodeDatabase, "count entries")
	}
	return len(keys), nil
}
