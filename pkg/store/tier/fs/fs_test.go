package fs

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/marmos91/dittoblk/pkg/store/tier"
	tiertesting "github.com/marmos91/dittoblk/pkg/store/tier/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFSStore(t *testing.T) {
	suite := &tiertesting.StoreTestSuite{
		NewStore: func(t *testing.T) tier.Store {
			s, err := New(context.Background(), t.TempDir())
			require.NoError(t, err)
			return s
		},
	}
	suite.Run(t)
}

func TestFSStoreIgnoresForeignFiles(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	s, err := New(ctx, dir)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "README"), []byte("x"), 0644))
	require.NoError(t, s.Put(ctx, 0x1234, []byte("payload")))

	_, err = os.Stat(filepath.Join(dir, "34", "0000000000001234.blk"))
	require.NoError(t, err)

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, st.Entries)
	assert.EqualValues(t, 7, st.Bytes)
}
