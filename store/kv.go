package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/golang/glog"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/xmidt-org/talaria/sensorlink"
)

// bucket is the part of jetstream.KeyValue the store uses.
type bucket interface {
	Get(ctx context.Context, key string) (jetstream.KeyValueEntry, error)
	Put(ctx context.Context, key string, value []byte) (uint64, error)
}

// KV keeps definitions as JSON in a NATS JetStream key-value bucket, one
// key per identifier, last writer wins.
type KV struct {
	bucket  bucket
	timeout time.Duration
	nc      *nats.Conn
}

var validKey = regexp.MustCompile(`^[-/_=.a-zA-Z0-9]+$`)

// DialKV connects to cfg.URL and opens (or creates) cfg.Bucket.
func DialKV(ctx context.Context, cfg sensorlink.StoreConfig) (*KV, error) {
	url := cfg.URL
	if url == "" {
		url = nats.DefaultURL
	}
	nc, err := nats.Connect(url, nats.Name("sensorlink"))
	if err != nil {
		return nil, fmt.Errorf("store: connect %s: %w", url, err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, err
	}
	kv, err := js.KeyValue(ctx, cfg.Bucket)
	if errors.Is(err, jetstream.ErrBucketNotFound) {
		glog.Infof("[store]creating kv bucket %s\n", cfg.Bucket)
		kv, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
			Bucket:      cfg.Bucket,
			Description: "sensorlink retained node definitions",
			History:     1,
		})
	}
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("store: bucket %s: %w", cfg.Bucket, err)
	}
	s := NewKV(kv, cfg.Timeout)
	s.nc = nc
	return s, nil
}

// NewKV uses an already opened bucket.
func NewKV(b bucket, timeout time.Duration) *KV {
	return &KV{bucket: b, timeout: timeout}
}

func (k *KV) applyTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if k.timeout > 0 {
		return context.WithTimeout(ctx, k.timeout)
	}
	return ctx, func() {}
}

func kvKey(identifier string) (string, error) {
	if !validKey.MatchString(identifier) {
		return "", fmt.Errorf("%w: identifier %q is not a valid key", sensorlink.ErrInvalidParameter, identifier)
	}
	return "definition." + identifier, nil
}

func (k *KV) Load(ctx context.Context, identifier string) (sensorlink.Definition, error) {
	key, err := kvKey(identifier)
	if err != nil {
		return sensorlink.Definition{}, err
	}
	ctx, cancel := k.applyTimeout(ctx)
	defer cancel()

	entry, err := k.bucket.Get(ctx, key)
	if errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyDeleted) {
		return sensorlink.Definition{}, notFound(identifier)
	}
	if err != nil {
		return sensorlink.Definition{}, fmt.Errorf("kv get %s: %w", key, err)
	}
	var def sensorlink.Definition
	if err := json.Unmarshal(entry.Value(), &def); err != nil {
		return sensorlink.Definition{}, fmt.Errorf("kv get %s: %w", key, err)
	}
	return def, nil
}

func (k *KV) Save(ctx context.Context, identifier string, def sensorlink.Definition) error {
	key, err := kvKey(identifier)
	if err != nil {
		return err
	}
	value, err := json.Marshal(def)
	if err != nil {
		return err
	}
	ctx, cancel := k.applyTimeout(ctx)
	defer cancel()
	if _, err := k.bucket.Put(ctx, key, value); err != nil {
		return fmt.Errorf("kv put %s: %w", key, err)
	}
	return nil
}

func (k *KV) Close() error {
	if k.nc != nil {
		k.nc.Close()
	}
	return nil
}
