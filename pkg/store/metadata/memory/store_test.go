package memory

import (
	"testing"

	"github.com/marmos91/dittoblk/pkg/store/metadata"
	metadatatesting "github.com/marmos91/dittoblk/pkg/store/metadata/testing"
)

func TestMemoryStore(t *testing.T) {
	suite := &metadatatesting.StoreTestSuite{
		NewStore: func(t *testing.T) metadata.Store {
			return New()
		},
	}
	suite.Run(t)
}
