package badger

import (
	"context"
	"testing"

	"github.com/marmos91/dittoblk/pkg/store/tier"
	tiertesting "github.com/marmos91/dittoblk/pkg/store/tier/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBadgerStore(t *testing.T) {
	suite := &tiertesting.StoreTestSuite{
		NewStore: func(t *testing.T) tier.Store {
			s, err := New(context.Background(), Config{Path: t.TempDir()})
			require.NoError(t, err)
			return s
		},
	}
	suite.Run(t)
}

func TestBadgerStoreReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := New(ctx, Config{Path: dir, Compression: true})
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, 9, []byte("warm block")))
	require.NoError(t, s.Close())

	s, err = New(ctx, Config{Path: dir})
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	got, err := s.Get(ctx, 9)
	require.NoError(t, err)
	assert.Equal(t, []byte("warm block"), got)
}
