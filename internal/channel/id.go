package channel

import (
	"bytes"
	"strconv"

	"github.com/yanun0323/errors"

	"sitesync/pkg/exception"
)

// ID is a server identifier. It decodes from a JSON string or number, so
// `"user_id":42` and `"user_id":"42"` name the same user, and always
// encodes as a string.
type ID string

func (id ID) String() string {
	return string(id)
}

func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		*id = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return errors.Wrap(err, "decode id")
		}
		*id = ID(s)
		return nil
	}
	if _, err := strconv.ParseFloat(string(data), 64); err != nil {
		return errors.Wrap(exception.ErrInvalidArgument, "id "+string(data))
	}
	*id = ID(data)
	return nil
}
