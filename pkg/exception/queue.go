package exception

import "github.com/yanun0323/errors"

// Queue errors
var (
	ErrQueueNilStorage  = errors.New("queue: nil storage")
	ErrQueueUnknownKind = errors.New("queue: unknown message kind")
)
