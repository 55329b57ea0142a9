package broadcast

import "errors"

// ErrPublishFailure is returned when the pub/sub layer rejects a publish.
var ErrPublishFailure = errors.New("broadcast: publish failure")
