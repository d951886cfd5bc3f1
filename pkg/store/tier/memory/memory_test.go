package memory

import (
	"testing"

	"github.com/marmos91/dittoblk/pkg/store/tier"
	tiertesting "github.com/marmos91/dittoblk/pkg/store/tier/testing"
)

func TestMemoryStore(t *testing.T) {
	suite := &tiertesting.StoreTestSuite{
		NewStore: func(t *testing.T) tier.Store {
			return New()
		},
	}
	suite.Run(t)
}
