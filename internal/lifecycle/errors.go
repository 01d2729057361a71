package lifecycle

import "errors"

// ErrClosed is returned by operations on a closed controller.
var ErrClosed = errors.New("lifecycle: controller closed")
