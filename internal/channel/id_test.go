package channel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sitesync/pkg/exception"
)

func TestIDUnmarshal(t *testing.T) {
	testCases := []struct {
		desc string
		in   string
		want ID
	}{
		{desc: "string", in: `{"id":"a1"}`, want: "a1"},
		{desc: "integer", in: `{"id":42}`, want: "42"},
		{desc: "decimal", in: `{"id":4.5}`, want: "4.5"},
		{desc: "null", in: `{"id":null}`, want: ""},
		{desc: "absent", in: `{}`, want: ""},
	}
	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			var v struct {
				ID ID `json:"id"`
			}
			require.NoError(t, json.Unmarshal([]byte(tc.in), &v))
			assert.Equal(t, tc.want, v.ID)
		})
	}

	var id ID
	err := id.UnmarshalJSON([]byte(`true`))
	require.Error(t, err)
	assert.True(t, exception.Is(err, exception.ErrInvalidArgument))

	out, err := json.Marshal(User{UserID: "42"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"user_id":"42","username":""}`, string(out))
}
