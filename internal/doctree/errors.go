package doctree

import "errors"

var errNotArray = errors.New("doctree: value is not a node array")
