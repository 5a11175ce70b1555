package memstore_test

import (
	"testing"

	"matterline/internal/engine"
	"matterline/internal/memstore"
	"matterline/internal/storetest"
)

func TestStoreContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) engine.Store {
		return memstore.New()
	})
}
