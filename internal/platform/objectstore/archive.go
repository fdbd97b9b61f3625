// Package objectstore archives committed raw batches to S3-compatible
// object storage.
package objectstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/marko911/bridge-indexer/internal/adapter"
	"github.com/marko911/bridge-indexer/internal/config"
	bridgev1 "github.com/marko911/bridge-indexer/pkg/bridge/v1"
)

// Batch is the archived form of one committed range.
type Batch struct {
	Chain  string          `json:"chain"`
	Family bridgev1.Family `json:"family"`
	From   uint64          `json:"from"`
	To     uint64          `json:"to"`
	Blocks []adapter.Block `json:"blocks"`
}

// Archive writes and reads batches in a bucket.
type Archive struct {
	client *minio.Client
	bucket string
	logger *slog.Logger
}

// NewArchive connects to the configured endpoint and creates the bucket if
// it does not exist.
func NewArchive(ctx context.Context, cfg config.ArchiveConfig, logger *slog.Logger) (*Archive, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
		}
	}

	return &Archive{
		client: client,
		bucket: cfg.Bucket,
		logger: logger.With("component", "archive", "bucket", cfg.Bucket),
	}, nil
}

// Key returns the object key of a batch. Heights are zero padded so keys
// list in height order.
func Key(chain string, from, to uint64) string {
	return fmt.Sprintf("%s/%020d-%020d.json", chain, from, to)
}

// Encode serialises blocks as an archived batch.
func Encode(chain string, family bridgev1.Family, blocks []adapter.Block) ([]byte, error) {
	if len(blocks) == 0 {
		return nil, fmt.Errorf("empty batch")
	}
	return json.Marshal(Batch{
		Chain:  chain,
		Family: family,
		From:   blocks[0].Height,
		To:     blocks[len(blocks)-1].Height,
		Blocks: blocks,
	})
}

// Decode parses an archived batch.
func Decode(r io.Reader) (*Batch, error) {
	var b Batch
	if err := json.NewDecoder(r).Decode(&b); err != nil {
		return nil, fmt.Errorf("decode batch: %w", err)
	}
	return &b, nil
}

// ArchiveBatch stores the raw blocks of a committed batch.
func (a *Archive) ArchiveBatch(ctx context.Context, chain string, family bridgev1.Family, blocks []adapter.Block) error {
	data, err := Encode(chain, family, blocks)
	if err != nil {
		return err
	}
	key := Key(chain, blocks[0].Height, blocks[len(blocks)-1].Height)
	_, err = a.client.PutObject(ctx, a.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	a.logger.Debug("archived batch", "key", key, "bytes", len(data))
	return nil
}

// Load returns every archived block of a chain, ordered by height. A height
// archived twice (after a reorg) keeps the most recently written block.
func (a *Archive) Load(ctx context.Context, chain string) ([]adapter.Block, error) {
	var objects []minio.ObjectInfo
	for obj := range a.client.ListObjects(ctx, a.bucket, minio.ListObjectsOptions{
		Prefix:    chain + "/",
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("list %s: %w", chain, obj.Err)
		}
		if strings.HasSuffix(obj.Key, ".json") {
			objects = append(objects, obj)
		}
	}
	sort.SliceStable(objects, func(i, j int) bool {
		if !objects[i].LastModified.Equal(objects[j].LastModified) {
			return objects[i].LastModified.Before(objects[j].LastModified)
		}
		return objects[i].Key < objects[j].Key
	})

	byHeight := make(map[uint64]adapter.Block)
	for _, obj := range objects {
		batch, err := a.get(ctx, obj.Key)
		if err != nil {
			return nil, err
		}
		for _, b := range batch.Blocks {
			byHeight[b.Height] = b
		}
	}

	blocks := make([]adapter.Block, 0, len(byHeight))
	for _, b := range byHeight {
		blocks = append(blocks, b)
	}
	sort.Slice(blocks, func(i, j int) bool { return blocks[i].Height < blocks[j].Height })
	return blocks, nil
}

func (a *Archive) get(ctx context.Context, key string) (*Batch, error) {
	obj, err := a.client.GetObject(ctx, a.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get object %s: %w", key, err)
	}
	defer obj.Close()

	batch, err := Decode(obj)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", key, err)
	}
	return batch, nil
}
