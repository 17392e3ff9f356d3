package postgresql

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConnectToBaseEmptyDSN(t *testing.T) {
	db, err := ConnectToBase(context.Background(), "", nil)
	assert.Nil(t, db)
	assert.ErrorContains(t, err, "empty postgres dsn")
}
