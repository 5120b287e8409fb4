package changestream_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/relaydb/relaydb-go-driver/changestream"
)

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		name           string
		err            error
		maxWireVersion int32
		want           bool
	}{
		{"nil error", nil, 10, false},
		{"plain network error", errors.New("connection reset by peer"), 10, true},
		{"network-labelled command error", &changestream.CommandError{Code: 1, Labels: []string{changestream.NetworkErrorLabel}}, 3, true},
		{"cursor not found, low wire version", &changestream.CommandError{Code: changestream.CursorNotFoundCode}, 3, true},
		{"cursor not found, high wire version", &changestream.CommandError{Code: changestream.CursorNotFoundCode}, 12, true},
		{"resumable label at threshold", &changestream.CommandError{Code: 99999, Labels: []string{changestream.ResumableChangeStreamErrorLabel}}, changestream.MinResumableLabelWireVersion, true},
		{"unlabelled error at threshold", &changestream.CommandError{Code: 99999}, changestream.MinResumableLabelWireVersion, false},
		{"whitelisted code below threshold", &changestream.CommandError{Code: 91}, changestream.MinResumableLabelWireVersion - 1, true},
		{"non-whitelisted code below threshold", &changestream.CommandError{Code: 26}, changestream.MinResumableLabelWireVersion - 1, false},
		{"authorization error", &changestream.CommandError{Code: 13}, 12, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, changestream.IsRetryable(tc.err, tc.maxWireVersion))
		})
	}
}

func TestCommandErrorHasErrorLabel(t *testing.T) {
	err := &changestream.CommandError{Labels: []string{"Foo", changestream.NetworkErrorLabel}}
	assert.True(t, err.HasErrorLabel(changestream.NetworkErrorLabel))
	assert.False(t, err.HasErrorLabel("Bar"))
}
