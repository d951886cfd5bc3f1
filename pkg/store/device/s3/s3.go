// Package s3 implements a bulk block device on Amazon S3 or any
// S3-compatible object store.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"
	"github.com/marmos91/dittoblk/pkg/store"
	"github.com/marmos91/dittoblk/pkg/store/device"
	"golang.org/x/sync/errgroup"
)

// Client is the subset of *s3.Client used by the device.
type Client interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// Config contains configuration for the S3 device.
type Config struct {
	// Client is the configured S3 client
	Client Client

	// Bucket is the S3 bucket name. It must already exist.
	Bucket string

	// KeyPrefix is prepended to every block key. When empty a random
	// "dittoblk/<uuid>/" prefix is generated so independent devices never
	// share objects.
	KeyPrefix string

	// Family tags the device with the controller class it stands in for.
	Family device.Family

	// BlockSize is the device block size in bytes.
	BlockSize int

	// Blocks is the device size in blocks.
	Blocks uint64

	// Parallelism bounds concurrent object requests for multi-block I/O.
	Parallelism int
}

// Device maps each device block to one object named <prefix><lba as hex>.
//
// S3 Characteristics:
//   - Never-written blocks have no object and read as zeros
//   - PutObject is durable on success, so Flush is a no-op
//   - Multi-block requests fan out with bounded parallelism
//
// Thread Safety:
// This implementation is safe for concurrent use by multiple goroutines.
type Device struct {
	client      Client
	bucket      string
	keyPrefix   string
	info        device.Info
	parallelism int
}

// New creates an S3 device and verifies bucket access.
func New(ctx context.Context, cfg Config) (*Device, error) {
	// ========================================================================
	// Step 1: Check context and validate configuration
	// ========================================================================

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if cfg.Client == nil {
		return nil, fmt.Errorf("S3 client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	if cfg.BlockSize <= 0 || cfg.Blocks == 0 {
		return nil, fmt.Errorf("invalid geometry: %d blocks of %d bytes", cfg.Blocks, cfg.BlockSize)
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "dittoblk/" + uuid.NewString() + "/"
	}
	if cfg.Family == "" {
		cfg.Family = device.FamilySCSI
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 8
	}

	// ========================================================================
	// Step 2: Verify bucket access
	// ========================================================================

	if _, err := cfg.Client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(cfg.Bucket),
	}); err != nil {
		return nil, fmt.Errorf("failed to access bucket %q: %w", cfg.Bucket, err)
	}

	return &Device{
		client:    cfg.Client,
		bucket:    cfg.Bucket,
		keyPrefix: cfg.KeyPrefix,
		info: device.Info{
			Family:    cfg.Family,
			Model:     "s3:" + cfg.Bucket,
			BlockSize: cfg.BlockSize,
			Blocks:    cfg.Blocks,
		},
		parallelism: cfg.Parallelism,
	}, nil
}

func (d *Device) key(lba uint64) string {
	return fmt.Sprintf("%s%016x", d.keyPrefix, lba)
}

// Info returns the device geometry.
func (d *Device) Info() device.Info {
	return d.info
}

// ReadBlocks fetches count block objects starting at lba.
func (d *Device) ReadBlocks(ctx context.Context, lba uint64, count uint32, buf []byte) error {
	if err := device.CheckRange(d.info, lba, count, buf); err != nil {
		return fmt.Errorf("read: %v: %w", err, store.ErrInvalidArgument)
	}

	bs := d.info.BlockSize
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.parallelism)
	for i := uint32(0); i < count; i++ {
		dst := buf[int(i)*bs : int(i+1)*bs]
		block := lba + uint64(i)
		g.Go(func() error {
			return d.readBlock(gctx, block, dst)
		})
	}
	return g.Wait()
}

func (d *Device) readBlock(ctx context.Context, lba uint64, dst []byte) error {
	result, err := d.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(d.key(lba)),
	})
	if err != nil {
		var notFound *types.NoSuchKey
		if errors.As(err, &notFound) {
			clear(dst)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("get block %d: %v: %w", lba, err, store.ErrIO)
	}
	defer func() { _ = result.Body.Close() }()

	if _, err := io.ReadFull(result.Body, dst); err != nil {
		return fmt.Errorf("read block %d body: %v: %w", lba, err, store.ErrIO)
	}
	return nil
}

// WriteBlocks stores count block objects starting at lba.
func (d *Device) WriteBlocks(ctx context.Context, lba uint64, count uint32, buf []byte) error {
	if err := device.CheckRange(d.info, lba, count, buf); err != nil {
		return fmt.Errorf("write: %v: %w", err, store.ErrInvalidArgument)
	}

	bs := d.info.BlockSize
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.parallelism)
	for i := uint32(0); i < count; i++ {
		// Copy so the caller may reuse buf once WriteBlocks returns.
		body := bytes.Clone(buf[int(i)*bs : int(i+1)*bs])
		block := lba + uint64(i)
		g.Go(func() error {
			_, err := d.client.PutObject(gctx, &s3.PutObjectInput{
				Bucket:        aws.String(d.bucket),
				Key:           aws.String(d.key(block)),
				Body:          bytes.NewReader(body),
				ContentLength: aws.Int64(int64(len(body))),
			})
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				return fmt.Errorf("put block %d: %v: %w", block, err, store.ErrIO)
			}
			return nil
		})
	}
	return g.Wait()
}

// Flush is a no-op: a successful PutObject is already durable.
func (d *Device) Flush(ctx context.Context) error {
	return ctx.Err()
}

// Close is a no-op; the S3 client is owned by the caller.
func (d *Device) Close() error {
	return nil
}
