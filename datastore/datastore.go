// Package datastore wraps a badger-backed go-datastore with the
// channel-based iteration helper the embedded block client needs to
// enumerate its pin set.
package datastore

import (
	"context"
	"io"

	ds "github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/query"
	bds "github.com/ipfs/go-ds-badger4"
)

// Datastore extends ds.Datastore with a channel-based key iterator used by
// the localstore package to walk the pin-set namespace without
// materializing every key into a slice up front.
type Datastore interface {
	ds.Datastore
	ds.BatchingFeature
	ds.TTL
	io.Closer

	// Keys streams every key under prefix, closing both channels when the
	// query is exhausted or ctx is canceled.
	Keys(ctx context.Context, prefix ds.Key) (<-chan ds.Key, <-chan error, error)
}

var (
	_ ds.Datastore           = (*datastorage)(nil)
	_ ds.PersistentDatastore = (*datastorage)(nil)
	_ ds.TTLDatastore        = (*datastorage)(nil)
	_ ds.Batching            = (*datastorage)(nil)
)

type datastorage struct {
	*bds.Datastore
}

// Open creates (or reopens) a badger-backed datastore rooted at path.
func Open(path string, opts *bds.Options) (Datastore, error) {
	badgerDS, err := bds.NewDatastore(path, opts)
	if err != nil {
		return nil, err
	}
	return &datastorage{Datastore: badgerDS}, nil
}

// Keys streams every key under prefix.
func (s *datastorage) Keys(ctx context.Context, prefix ds.Key) (<-chan ds.Key, <-chan error, error) {
	q := query.Query{
		Prefix:   prefix.String(),
		KeysOnly: true,
	}

	result, err := s.Datastore.Query(ctx, q)
	if err != nil {
		return nil, nil, err
	}

	out := make(chan ds.Key)
	errc := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errc)
		defer result.Close()

		for {
			select {
			case <-ctx.Done():
				errc <- ctx.Err()
				return
			case res, ok := <-result.Next():
				if !ok {
					return
				}
				if res.Error != nil {
					errc <- res.Error
					return
				}
				select {
				case out <- ds.NewKey(res.Key):
				case <-ctx.Done():
					errc <- ctx.Err()
					return
				}
			}
		}
	}()

	return out, errc, nil
}

func (s *datastorage) Close() error {
	return s.Datastore.Close()
}
