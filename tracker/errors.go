package tracker

import "errors"

// ErrLoadStarted is returned by LoadHistory when a load already ran or is
// running.
var ErrLoadStarted = errors.New("tracker: history load already started")
