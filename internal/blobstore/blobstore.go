// Package blobstore content-addresses overflow Meta attribute values
// (avatars, rich presence payloads) into S3-compatible object storage,
// so an Element's inline Meta only ever carries a small reference.
package blobstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"path/filepath"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Blobstore implements content-addressed storage with S3 compatibility.
type Blobstore struct {
	client     *minio.Client
	bucket     string
	chunkSize  int64
}

// ObjectInfo holds metadata about a stored blob.
type ObjectInfo struct {
	CID        string            // Content ID (hash)
	Size       int64             // Object size in bytes
	Chunks     []string          // Chunk CIDs
	MerkleRoot string            // Merkle root hash over the chunks
	Uploaded   time.Time         // Upload timestamp
	Metadata   map[string]string // Caller-supplied metadata
}

// New creates a new Blobstore instance and ensures its bucket exists.
func New(endpoint, accessKey, secretKey, bucket string, secure bool, chunkSize int64) (*Blobstore, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: secure,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	bs := &Blobstore{
		client:    client,
		bucket:    bucket,
		chunkSize: chunkSize,
	}

	if err := bs.ensureBucket(); err != nil {
		return nil, fmt.Errorf("failed to ensure bucket: %w", err)
	}

	return bs, nil
}

func (bs *Blobstore) ensureBucket() error {
	exists, err := bs.client.BucketExists(context.Background(), bs.bucket)
	if err != nil {
		return err
	}
	if !exists {
		if err := bs.client.MakeBucket(context.Background(), bs.bucket, minio.MakeBucketOptions{}); err != nil {
			return err
		}
		log.Printf("blobstore: created bucket %s", bs.bucket)
	}
	return nil
}

// Store content-addresses reader's data and returns its ObjectInfo.
// Already-stored content returns the existing info without re-uploading.
func (bs *Blobstore) Store(ctx context.Context, reader io.Reader, metadata map[string]string) (*ObjectInfo, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read data: %w", err)
	}

	cid := calculateCID(data)

	if info, err := bs.GetInfo(ctx, cid); err == nil {
		return info, nil
	}

	chunks, merkleRoot := chunkData(data, bs.chunkSize)

	chunkCIDs := make([]string, len(chunks))
	for i, chunk := range chunks {
		chunkCID := calculateCID(chunk)
		chunkCIDs[i] = chunkCID
		if err := bs.uploadChunk(ctx, chunkCID, chunk); err != nil {
			return nil, fmt.Errorf("failed to upload chunk %d: %w", i, err)
		}
	}

	info := &ObjectInfo{
		CID:        cid,
		Size:       int64(len(data)),
		Chunks:     chunkCIDs,
		MerkleRoot: merkleRoot,
		Uploaded:   time.Now(),
		Metadata:   metadata,
	}

	if err := bs.storeObjectInfo(ctx, info); err != nil {
		return nil, fmt.Errorf("failed to store object info: %w", err)
	}

	log.Printf("blobstore: stored %s (%d bytes, %d chunks)", cid, len(data), len(chunks))
	return info, nil
}

// Retrieve reassembles and returns a blob's content by CID, verifying
// the chunk set against the stored Merkle root before returning it.
func (bs *Blobstore) Retrieve(ctx context.Context, cid string) (io.ReadCloser, error) {
	info, err := bs.GetInfo(ctx, cid)
	if err != nil {
		return nil, fmt.Errorf("failed to get object info: %w", err)
	}

	chunks := make([][]byte, len(info.Chunks))
	for i, chunkCID := range info.Chunks {
		chunk, err := bs.downloadChunk(ctx, chunkCID)
		if err != nil {
			return nil, fmt.Errorf("failed to download chunk %d: %w", i, err)
		}
		chunks[i] = chunk
	}

	if computeMerkleRoot(chunks) != info.MerkleRoot {
		return nil, fmt.Errorf("merkle root verification failed for %s", cid)
	}

	var data []byte
	for _, chunk := range chunks {
		data = append(data, chunk...)
	}

	return io.NopCloser(strings.NewReader(string(data))), nil
}

// Exists checks if a blob exists.
func (bs *Blobstore) Exists(ctx context.Context, cid string) (bool, error) {
	_, err := bs.client.StatObject(ctx, bs.bucket, metadataKey(cid), minio.StatObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// GetInfo retrieves a blob's stored metadata.
func (bs *Blobstore) GetInfo(ctx context.Context, cid string) (*ObjectInfo, error) {
	obj, err := bs.client.GetObject(ctx, bs.bucket, metadataKey(cid), minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, err
	}

	var info ObjectInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("failed to decode object info for %s: %w", cid, err)
	}
	return &info, nil
}

// Delete removes a blob and its chunks.
func (bs *Blobstore) Delete(ctx context.Context, cid string) error {
	info, err := bs.GetInfo(ctx, cid)
	if err != nil {
		return err
	}

	for _, chunkCID := range info.Chunks {
		if err := bs.client.RemoveObject(ctx, bs.bucket, chunkKey(chunkCID), minio.RemoveObjectOptions{}); err != nil {
			log.Printf("blobstore: failed to delete chunk %s: %v", chunkCID, err)
		}
	}

	if err := bs.client.RemoveObject(ctx, bs.bucket, metadataKey(cid), minio.RemoveObjectOptions{}); err != nil {
		return err
	}

	log.Printf("blobstore: deleted %s", cid)
	return nil
}

// List lists stored blobs whose CID has the given prefix.
func (bs *Blobstore) List(ctx context.Context, prefix string) ([]*ObjectInfo, error) {
	var infos []*ObjectInfo

	objCh := bs.client.ListObjects(ctx, bs.bucket, minio.ListObjectsOptions{
		Prefix:    filepath.Join("metadata", prefix),
		Recursive: true,
	})
	for obj := range objCh {
		if obj.Err != nil {
			return nil, obj.Err
		}

		data, err := bs.client.GetObject(ctx, bs.bucket, obj.Key, minio.GetObjectOptions{})
		if err != nil {
			return nil, err
		}
		body, err := io.ReadAll(data)
		data.Close()
		if err != nil {
			return nil, err
		}

		var info ObjectInfo
		if err := json.Unmarshal(body, &info); err != nil {
			continue
		}
		infos = append(infos, &info)
	}

	return infos, nil
}

func calculateCID(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

func chunkData(data []byte, chunkSize int64) ([][]byte, string) {
	var chunks [][]byte
	size := int64(len(data))

	for offset := int64(0); offset < size; offset += chunkSize {
		end := offset + chunkSize
		if end > size {
			end = size
		}
		chunks = append(chunks, data[offset:end])
	}
	if len(chunks) == 0 {
		chunks = [][]byte{{}}
	}

	return chunks, computeMerkleRoot(chunks)
}

func computeMerkleRoot(chunks [][]byte) string {
	if len(chunks) == 0 {
		return ""
	}

	hashes := make([]string, len(chunks))
	for i, chunk := range chunks {
		hashes[i] = calculateCID(chunk)
	}

	for len(hashes) > 1 {
		var next []string
		for i := 0; i < len(hashes); i += 2 {
			if i+1 < len(hashes) {
				combined := hashes[i] + hashes[i+1]
				hash := sha256.Sum256([]byte(combined))
				next = append(next, hex.EncodeToString(hash[:]))
			} else {
				next = append(next, hashes[i])
			}
		}
		hashes = next
	}

	return hashes[0]
}

func (bs *Blobstore) uploadChunk(ctx context.Context, cid string, data []byte) error {
	_, err := bs.client.PutObject(ctx, bs.bucket, chunkKey(cid), strings.NewReader(string(data)), int64(len(data)), minio.PutObjectOptions{})
	return err
}

func (bs *Blobstore) downloadChunk(ctx context.Context, cid string) ([]byte, error) {
	obj, err := bs.client.GetObject(ctx, bs.bucket, chunkKey(cid), minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	defer obj.Close()
	return io.ReadAll(obj)
}

func (bs *Blobstore) storeObjectInfo(ctx context.Context, info *ObjectInfo) error {
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("failed to encode object info: %w", err)
	}

	_, err = bs.client.PutObject(ctx, bs.bucket, metadataKey(info.CID), strings.NewReader(string(data)), int64(len(data)), minio.PutObjectOptions{})
	return err
}

func chunkKey(cid string) string {
	return filepath.Join("chunks", cid[:2], cid[2:4], cid)
}

func metadataKey(cid string) string {
	return filepath.Join("metadata", cid[:2], cid[2:4], cid+".json")
}
