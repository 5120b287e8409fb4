package mongoresume

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/relaydb/relaydb-go-driver/changestream"
)

func TestClassifyDriverErrorConvertsCommandError(t *testing.T) {
	cmdErr := mongo.CommandError{Code: 91, Message: "ShutdownInProgress", Labels: []string{"NetworkError"}}

	got := classifyDriverError(cmdErr)

	var ce *changestream.CommandError
	require.ErrorAs(t, got, &ce)
	require.EqualValues(t, 91, ce.Code)
	require.True(t, ce.HasErrorLabel(changestream.NetworkErrorLabel))
}

func TestClassifyDriverErrorPassesThroughOtherErrors(t *testing.T) {
	plain := errors.New("context deadline exceeded")
	require.Equal(t, plain, classifyDriverError(plain))
}
